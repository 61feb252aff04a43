package container

import (
	"context"
	"errors"
	"testing"

	"github.com/docker/go-connections/nat"

	"github.com/Mustafabeshara/cloudbrowser/internal/domain"
	"github.com/Mustafabeshara/cloudbrowser/internal/shared"
)

func TestParseByteSize(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"2g", 2 << 30, false},
		{"512m", 512 << 20, false},
		{"64k", 64 << 10, false},
		{"1024", 1024, false},
		{"2G", 2 << 30, false},
		{" 2g ", 2 << 30, false},
		{"", 0, true},
		{"abc", 0, true},
	}
	for _, tc := range cases {
		got, err := parseByteSize(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%q: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%q: expected %d, got %d", tc.in, tc.want, got)
		}
	}
}

func TestHostPort(t *testing.T) {
	ports := nat.PortMap{
		"5901/tcp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "32768"}},
	}

	port, err := hostPort(ports, "5901/tcp")
	if err != nil {
		t.Fatalf("hostPort: %v", err)
	}
	if port != 32768 {
		t.Fatalf("expected 32768, got %d", port)
	}

	if _, err := hostPort(ports, "6901/tcp"); err == nil {
		t.Fatal("expected error for unbound port")
	}
}

func TestImageSelection(t *testing.T) {
	r := &DockerRuntime{cfg: Config{
		FirefoxImage: "kasmweb/firefox:1.14.0",
		ChromeImage:  "kasmweb/chrome:1.14.0",
	}}

	if got := r.Image(domain.BrowserFirefox); got != "kasmweb/firefox:1.14.0" {
		t.Fatalf("firefox: got %s", got)
	}
	if got := r.Image(domain.BrowserChrome); got != "kasmweb/chrome:1.14.0" {
		t.Fatalf("chrome: got %s", got)
	}
	// Chromium runs the chrome image.
	if got := r.Image(domain.BrowserChromium); got != "kasmweb/chrome:1.14.0" {
		t.Fatalf("chromium: got %s", got)
	}
}

func TestProvisionErrorClassification(t *testing.T) {
	deadline := classifyProvisionError("start container", context.DeadlineExceeded)
	if !shared.IsTransient(deadline) {
		t.Fatal("deadline errors must be retryable")
	}
	if shared.CodeOf(deadline) != shared.CodeProvision {
		t.Fatalf("expected provision_failed, got %v", shared.CodeOf(deadline))
	}

	other := classifyProvisionError("create container", errors.New("invalid mount spec"))
	if shared.IsTransient(other) {
		t.Fatal("unknown engine errors must not be retried")
	}
}
