package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mcdev12/pomosync/go/internal/config"
)

func TestParsePeers(t *testing.T) {
	tests := []struct {
		name    string
		peers   string
		want    []Candidate
		wantErr bool
	}{
		{name: "empty", peers: ""},
		{
			name:  "named with port",
			peers: "desk=192.168.1.20:9000",
			want:  []Candidate{{InstanceName: "desk", IP: "192.168.1.20", Port: 9000}},
		},
		{
			name:  "bare ip uses default port",
			peers: "10.0.0.5",
			want:  []Candidate{{InstanceName: "10.0.0.5", IP: "10.0.0.5", Port: 8888}},
		},
		{
			name:  "list with spaces",
			peers: "a=10.0.0.1:8888, 10.0.0.2:8889",
			want: []Candidate{
				{InstanceName: "a", IP: "10.0.0.1", Port: 8888},
				{InstanceName: "10.0.0.2", IP: "10.0.0.2", Port: 8889},
			},
		},
		{name: "bad port", peers: "10.0.0.1:http", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePeers(tt.peers)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %t", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("candidates mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFromConfigOrdersPeersFirst(t *testing.T) {
	d, err := FromConfig("env=10.0.0.9:8888", []config.CandidateConfig{
		{Name: "file", IP: "10.0.0.1"},
		{Name: "blank"},
	})
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	got, err := d.Discover(context.Background(), config.DefaultServiceType)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(got) != 2 || got[0].InstanceName != "env" || got[1].InstanceName != "file" || got[1].Port != 8888 {
		t.Fatalf("unexpected candidates %+v", got)
	}
}

func TestFirstReachable(t *testing.T) {
	d := NewStaticDiscoverer([]Candidate{
		{InstanceName: "down", IP: "10.0.0.1", Port: 8888},
		{InstanceName: "up", IP: "10.0.0.2", Port: 8888},
	})

	var probed []string
	probe := func(ctx context.Context, baseURL string) error {
		probed = append(probed, baseURL)
		if baseURL == "http://10.0.0.1:8888" {
			return errors.New("connection refused")
		}
		return nil
	}

	got, err := FirstReachable(context.Background(), d, config.DefaultServiceType, probe)
	if err != nil {
		t.Fatalf("first reachable: %v", err)
	}
	if got.InstanceName != "up" {
		t.Fatalf("picked %q", got.InstanceName)
	}
	if len(probed) != 2 {
		t.Fatalf("expected both candidates probed in order, got %v", probed)
	}
}

func TestFirstReachableNone(t *testing.T) {
	d := NewStaticDiscoverer([]Candidate{{InstanceName: "down", IP: "10.0.0.1", Port: 8888}})
	_, err := FirstReachable(context.Background(), d, config.DefaultServiceType, func(context.Context, string) error {
		return errors.New("timeout")
	})
	if !errors.Is(err, ErrNoReachableHost) {
		t.Fatalf("expected ErrNoReachableHost, got %v", err)
	}
}
