package webhook

import (
	"strings"
	"testing"

	"github.com/mattjoyce/forkq/internal/config"
)

func TestParseMaxBodySize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "", want: DefaultMaxBodySize},
		{in: "2048", want: 2048},
		{in: "512KB", want: 512 << 10},
		{in: "1mb", want: 1 << 20},
		{in: " 2GB ", want: 2 << 30},
		{in: "0", wantErr: true},
		{in: "-1KB", wantErr: true},
		{in: "lots", wantErr: true},
		{in: "99999999999GB", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseMaxBodySize(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseMaxBodySize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseMaxBodySize(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestFromGlobalConfig(t *testing.T) {
	cfg, err := FromGlobalConfig(&config.WebhooksConfig{
		Listen: "127.0.0.1:0",
		Endpoints: []config.WebhookEndpoint{
			{Path: "/hooks/a", Type: "echo", Secret: "s", SignatureHeader: "X-Sig", MaxBodySize: "4KB"},
		},
	})
	if err != nil {
		t.Fatalf("FromGlobalConfig() error = %v", err)
	}
	ep := cfg.Endpoints[0]
	if ep.Type != "echo" || ep.MaxBodySize != 4096 || ep.SignatureHeader != "X-Sig" {
		t.Errorf("endpoint = %+v", ep)
	}

	if _, err := FromGlobalConfig(nil); err == nil {
		t.Error("FromGlobalConfig(nil) should fail")
	}
	_, err = FromGlobalConfig(&config.WebhooksConfig{Endpoints: []config.WebhookEndpoint{{Path: "/x", MaxBodySize: "big", Secret: "s"}}})
	if err == nil || !strings.Contains(err.Error(), "max_body_size") {
		t.Errorf("error = %v, want max_body_size", err)
	}
	_, err = FromGlobalConfig(&config.WebhooksConfig{Endpoints: []config.WebhookEndpoint{{Path: "/x"}}})
	if err == nil || !strings.Contains(err.Error(), "no secret") {
		t.Errorf("error = %v, want no secret", err)
	}
}
