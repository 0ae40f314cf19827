package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const chromeImage = "browserless/chrome:latest"

// ChromeInstance is one containerized browser dedicated to a session.
type ChromeInstance struct {
	ContainerID string
	SessionID   string
	ConnectURL  string
	Port        string
}

// ChromePool launches one Chrome container per session and tears it down
// when the session finishes.
type ChromePool struct {
	client *client.Client
}

// NewChromePool connects to the local Docker daemon.
func NewChromePool() (*ChromePool, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("browser: create docker client: %w", err)
	}
	return &ChromePool{client: cli}, nil
}

// Launch starts a container for the session. A non-empty proxyAddr that
// looks like a real proxy URL is handed to Chrome as --proxy-server; mock
// pool identifiers are skipped, matching the demo mode.
func (p *ChromePool) Launch(ctx context.Context, sessionID, proxyAddr string) (*ChromeInstance, error) {
	launchArgs := `["--disable-blink-features=AutomationControlled","--disable-dev-shm-usage","--no-sandbox"`
	if isProxyURL(proxyAddr) {
		launchArgs += fmt.Sprintf(`,"--proxy-server=%s"`, proxyAddr)
	}
	launchArgs += `]`

	containerConfig := &container.Config{
		Image: chromeImage,
		Labels: map[string]string{
			"session-id": sessionID,
			"managed-by": "trafficsim",
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"MAX_CONCURRENT_SESSIONS=1",
			"PREBOOT_CHROME=true",
			"DEFAULT_LAUNCH_ARGS=" + launchArgs,
		},
		ExposedPorts: nat.PortSet{
			"3000/tcp": struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			"3000/tcp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "0"}},
		},
		AutoRemove: false,
	}

	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil,
		fmt.Sprintf("trafficsim-%s", short))
	if err != nil {
		return nil, fmt.Errorf("browser: create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("browser: start container: %w", err)
	}

	inspect, err := p.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("browser: inspect container: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports["3000/tcp"]
	if len(bindings) == 0 {
		return nil, fmt.Errorf("browser: container %s exposed no port", resp.ID)
	}
	port := bindings[0].HostPort

	if err := waitForChromeReady(ctx, port); err != nil {
		return nil, fmt.Errorf("browser: chrome not ready: %w", err)
	}

	return &ChromeInstance{
		ContainerID: resp.ID,
		SessionID:   sessionID,
		ConnectURL:  fmt.Sprintf("ws://localhost:%s", port),
		Port:        port,
	}, nil
}

// Stop halts and removes the session's container.
func (p *ChromePool) Stop(ctx context.Context, containerID string) error {
	timeout := 10
	if err := p.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("browser: stop container: %w", err)
	}
	if err := p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("browser: remove container: %w", err)
	}
	return nil
}

// EnsureImage pulls the Chrome image if it is not present locally.
func (p *ChromePool) EnsureImage(ctx context.Context) error {
	images, err := p.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == chromeImage {
				return nil
			}
		}
	}

	reader, err := p.client.ImagePull(ctx, chromeImage, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("browser: pull image: %w", err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// Close releases the docker client.
func (p *ChromePool) Close() error {
	return p.client.Close()
}

// isProxyURL distinguishes a routable proxy URL from a mock pool
// identifier. Mock identifiers exercise rotation scoring without touching
// the browser.
func isProxyURL(addr string) bool {
	return strings.HasPrefix(addr, "http://") ||
		strings.HasPrefix(addr, "https://") ||
		strings.HasPrefix(addr, "socks5://")
}

// waitForChromeReady polls /json/version until the devtools endpoint answers.
func waitForChromeReady(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://localhost:%s/json/version", port)
	const maxRetries = 20

	for i := 0; i < maxRetries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				// Give the websocket endpoint a moment to settle.
				time.Sleep(500 * time.Millisecond)
				return nil
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("devtools endpoint on port %s never came up", port)
}
