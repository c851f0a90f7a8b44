package torrent

import (
	"time"

	"github.com/anacrolix/log"
	"github.com/elgatito/upnp"
)

func addPortMapping(logger log.Logger, d upnp.Device, proto upnp.Protocol, internalPort int, debug bool) {
	externalPort, err := d.AddPortMapping(proto, internalPort, internalPort, "etorrent-core", 0)
	if err != nil {
		logger.WithDefaultLevel(log.Debug).Printf("error adding %s port mapping: %s", proto, err)
	} else if externalPort != internalPort {
		logger.WithDefaultLevel(log.Warning).Printf("external port %d does not match internal port %d in port mapping", externalPort, internalPort)
	} else if debug {
		logger.WithDefaultLevel(log.Info).Printf("forwarded external %s port %d", proto, externalPort)
	}
}

// forwardPortOnce discovers local UPnP devices and asks each to forward the
// listener's TCP and UDP ports, per §6's port-forwarding collaborator. It
// runs once at startup from a background goroutine; failures are logged,
// never fatal.
func (c *Client) forwardPortOnce() {
	if c.listener == nil {
		return
	}
	port := c.cfg.ListenPort
	ds := upnp.Discover(0, 2*time.Second)
	c.logger.WithDefaultLevel(log.Debug).Printf("discovered %d upnp devices", len(ds))
	for _, d := range ds {
		go addPortMapping(c.logger, d, upnp.TCP, port, c.cfg.Debug)
		go addPortMapping(c.logger, d, upnp.UDP, port, c.cfg.Debug)
	}
}
