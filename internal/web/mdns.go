package web

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/grandcat/zeroconf"
)

// MDNSService advertises the web server on the local network so field crews
// can reach the clips page without knowing the host's IP.
type MDNSService struct {
	logger *slog.Logger
	server *zeroconf.Server
}

// RegisterMDNS announces an _http._tcp service named after mdnsName (the
// ".local" suffix is stripped for the instance name).
func RegisterMDNS(logger *slog.Logger, mdnsName, eventCode string, port int) (*MDNSService, error) {
	instance := strings.TrimSuffix(mdnsName, ".local")
	if instance == "" {
		instance = "matchbox"
	}
	txt := []string{
		"path=/",
		"description=" + fmt.Sprintf("FIRST MatchBox - %s", eventCode),
		"event=" + eventCode,
		"service=matchbox",
	}
	server, err := zeroconf.Register(instance, "_http._tcp", "local.", port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("registering mdns service: %w", err)
	}
	logger.Info("mdns service registered",
		"name", instance, "port", port, "url", fmt.Sprintf("http://%s:%d", mdnsName, port))
	return &MDNSService{logger: logger, server: server}, nil
}

// Shutdown withdraws the announcement.
func (m *MDNSService) Shutdown() {
	if m.server != nil {
		m.server.Shutdown()
		m.logger.Info("mdns service unregistered")
	}
}
