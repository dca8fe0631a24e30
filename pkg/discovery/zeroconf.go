package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// ZeroconfAdvertiser publishes the node as a DNS-SD service over multicast DNS.
type ZeroconfAdvertiser struct {
	service string
	domain  string

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewZeroconfAdvertiser creates an advertiser for service in domain.
func NewZeroconfAdvertiser(service, domain string) *ZeroconfAdvertiser {
	if service == "" {
		service = DefaultService
	}
	if domain == "" {
		domain = DefaultDomain
	}
	return &ZeroconfAdvertiser{service: service, domain: domain}
}

func (z *ZeroconfAdvertiser) Advertise(announcement Announcement) error {
	server, err := zeroconf.Register(announcement.Instance(), z.service, z.domain, announcement.Port, announcement.Text(), nil)
	if err != nil {
		return err
	}

	z.mu.Lock()
	z.server = server
	z.mu.Unlock()
	return nil
}

func (z *ZeroconfAdvertiser) Update(announcement Announcement) error {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.server != nil {
		z.server.SetText(announcement.Text())
	}
	return nil
}

func (z *ZeroconfAdvertiser) Shutdown() {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.server != nil {
		z.server.Shutdown()
		z.server = nil
	}
}

// ZeroconfBrowser browses in rounds of one interval each. Every round reports
// all visible instances again, which keeps their registry entries fresh.
type ZeroconfBrowser struct {
	service  string
	domain   string
	interval time.Duration
	selfName string

	seen map[string]struct{}
}

// NewZeroconfBrowser creates a browser. Instances named selfName are skipped.
func NewZeroconfBrowser(service, domain, selfName string, interval time.Duration) *ZeroconfBrowser {
	if service == "" {
		service = DefaultService
	}
	if domain == "" {
		domain = DefaultDomain
	}
	if interval <= 0 {
		interval = DefaultBrowseInterval
	}
	return &ZeroconfBrowser{
		service:  service,
		domain:   domain,
		interval: interval,
		selfName: selfName,
		seen:     make(map[string]struct{}),
	}
}

// Browse runs browse rounds until ctx is cancelled.
func (z *ZeroconfBrowser) Browse(ctx context.Context, events chan<- Event) error {
	for ctx.Err() == nil {
		if err := z.round(ctx, events); err != nil {
			return err
		}
	}
	return nil
}

func (z *ZeroconfBrowser) round(ctx context.Context, events chan<- Event) error {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return err
	}

	roundCtx, cancel := context.WithTimeout(ctx, z.interval)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(roundCtx, z.service, z.domain, entries); err != nil {
		return err
	}

	for {
		select {
		case <-roundCtx.Done():
			return nil
		case entry, ok := <-entries:
			if !ok {
				<-roundCtx.Done()
				return nil
			}
			event, valid := z.toEvent(entry)
			if !valid {
				continue
			}
			select {
			case events <- event:
			case <-roundCtx.Done():
				return nil
			}
		}
	}
}

func (z *ZeroconfBrowser) toEvent(entry *zeroconf.ServiceEntry) (Event, bool) {
	if entry == nil || entry.Instance == z.selfName {
		return Event{}, false
	}

	nodeID, load := ParseText(entry.Text)
	event := Event{
		Instance: entry.Instance,
		NodeID:   nodeID,
		Port:     entry.Port,
		Load:     load,
	}

	if entry.TTL == 0 {
		delete(z.seen, entry.Instance)
		event.Kind = EventRemove
		return event, true
	}

	switch {
	case len(entry.AddrIPv4) > 0:
		event.Address = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		event.Address = entry.AddrIPv6[0].String()
	default:
		return Event{}, false
	}

	if _, ok := z.seen[entry.Instance]; ok {
		event.Kind = EventUpdate
	} else {
		z.seen[entry.Instance] = struct{}{}
		event.Kind = EventAdd
	}
	return event, true
}
