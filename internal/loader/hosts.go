package loader

import (
	"context"

	"github.com/xtxerr/reuptime/internal/errors"
	"github.com/xtxerr/reuptime/internal/logging"
	"github.com/xtxerr/reuptime/internal/registry"
)

var log = logging.Component("loader")

// HostWriter is the part of the registry that seeding needs.
type HostWriter interface {
	ListHosts(ctx context.Context) ([]registry.Host, error)
	AddHost(ctx context.Context, nh registry.NewHost) (registry.Host, error)
}

// ApplyResult holds statistics from applying the hosts section.
type ApplyResult struct {
	HostsCreated int
	HostsSkipped int
}

// ApplyHosts adds every configured host whose address is not registered
// yet. Existing hosts are left untouched, including their monitored flag
// and allotment, so hosts removed from the file stay in the registry.
func ApplyHosts(ctx context.Context, cfg *Config, reg HostWriter) (*ApplyResult, error) {
	existing, err := reg.ListHosts(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list hosts")
	}

	known := make(map[string]struct{}, len(existing))
	for _, h := range existing {
		known[h.Address] = struct{}{}
	}

	result := &ApplyResult{}
	for _, hc := range cfg.Hosts {
		if _, ok := known[hc.Address]; ok {
			result.HostsSkipped++
			continue
		}
		h, err := reg.AddHost(ctx, registry.NewHost{
			Name:      hc.Name,
			Address:   hc.Address,
			Monitored: hc.Monitored,
		})
		if err != nil {
			return result, errors.Wrapf(err, "add host %s", hc.Name)
		}
		known[hc.Address] = struct{}{}
		result.HostsCreated++
		log.Info("host added from config", "host_id", h.ID, "name", h.Name, "address", h.Address)
	}

	return result, nil
}
