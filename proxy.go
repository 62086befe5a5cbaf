package main

import (
	"bufio"
	"fmt"
	"io"
	"math/rand/v2"
	"net/url"
	"os"
	"strings"
	"sync"
)

// ProxyManager hands out proxies to portal sessions. Sessions start on a
// random proxy and rotate in order after transport errors.
type ProxyManager struct {
	proxies []string // normalized http:// URLs
	display []string // host:port, safe to log
	index   int
	mu      sync.Mutex
}

// parseProxyLine accepts host:port, host:port:user:pass, or an http(s) URL
// with optional credentials.
func parseProxyLine(line string) (proxyURL, display string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", "", false
	}

	if strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://") {
		parsed, err := url.Parse(line)
		if err != nil || parsed.Host == "" {
			return "", "", false
		}
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			return fmt.Sprintf("http://%s:%s@%s", parsed.User.Username(), password, parsed.Host), parsed.Host, true
		}
		return "http://" + parsed.Host, parsed.Host, true
	}

	parts := strings.Split(line, ":")
	switch len(parts) {
	case 2:
		hostPort := parts[0] + ":" + parts[1]
		return "http://" + hostPort, hostPort, true
	case 4:
		hostPort := parts[0] + ":" + parts[1]
		return fmt.Sprintf("http://%s:%s@%s", parts[2], parts[3], hostPort), hostPort, true
	default:
		return "", "", false
	}
}

// LoadProxyManager reads proxies from filename, one per line. Blank lines,
// comments and malformed lines are skipped.
func LoadProxyManager(filename string) (*ProxyManager, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, configErrorf("open proxy file: %v", err)
	}
	defer file.Close()

	pm, err := parseProxies(file)
	if err != nil {
		return nil, configErrorf("%s: %v", filename, err)
	}
	return pm, nil
}

func parseProxies(r io.Reader) (*ProxyManager, error) {
	pm := &ProxyManager{}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		proxyURL, disp, ok := parseProxyLine(line)
		if !ok {
			continue
		}
		pm.proxies = append(pm.proxies, proxyURL)
		pm.display = append(pm.display, disp)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read proxies: %w", err)
	}
	if len(pm.proxies) == 0 {
		return nil, fmt.Errorf("no valid proxies")
	}
	return pm, nil
}

func (pm *ProxyManager) CurrentDisplay() string {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.display[pm.index]
}

// Rotate advances to the next proxy and returns it.
func (pm *ProxyManager) Rotate() string {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.index = (pm.index + 1) % len(pm.proxies)
	return pm.proxies[pm.index]
}

func (pm *ProxyManager) Count() int {
	return len(pm.proxies)
}

// Random picks a proxy and makes it current.
func (pm *ProxyManager) Random() string {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.index = rand.IntN(len(pm.proxies))
	return pm.proxies[pm.index]
}
