package api

import (
	"fmt"
	"net"
	"strconv"

	"github.com/grandcat/zeroconf"

	"github.com/nerrad567/gray-logic-mihome/internal/infrastructure/config"
)

// mDNS service registration for the API.
const (
	advertiseService  = "_graylogic-mihome._tcp"
	advertiseDomain   = "local."
	defaultInstance   = "graylogic-mihome"
	advertiseBasePath = "/api/v1"
)

// mdnsServer is a registered mDNS responder.
type mdnsServer interface {
	Shutdown()
}

// registerFunc registers an mDNS service. Tests replace it to avoid
// touching the network.
type registerFunc func(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (mdnsServer, error)

func zeroconfRegister(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (mdnsServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// advertiser holds an active mDNS registration of the API.
type advertiser struct {
	server   mdnsServer
	instance string
}

// startAdvertiser registers the API under advertiseService.
//
// TXT records carry the version, the API base path and whether TLS is on,
// so clients can build the base URL from the resolved address alone.
func startAdvertiser(register registerFunc, cfg config.APIConfig, version string) (*advertiser, error) {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("advertise: invalid port %d", cfg.Port)
	}

	instance := cfg.Advertise.Instance
	if instance == "" {
		instance = defaultInstance
	}

	txt := []string{
		"version=" + version,
		"path=" + advertiseBasePath,
		"tls=" + strconv.FormatBool(cfg.TLS.Enabled),
	}

	srv, err := register(instance, advertiseService, advertiseDomain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("advertise: registering %s: %w", advertiseService, err)
	}
	return &advertiser{server: srv, instance: instance}, nil
}

func (a *advertiser) shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}
