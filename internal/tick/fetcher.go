package tick

import (
	"context"
	"time"

	"github.com/amoylab/esilink/internal/esi"
	"github.com/amoylab/esilink/internal/session"
)

// GatewayFetcher builds snapshots through the upstream gateway
type GatewayFetcher struct {
	factory *esi.Factory
	now     func() time.Time
}

func NewGatewayFetcher(factory *esi.Factory) *GatewayFetcher {
	return &GatewayFetcher{factory: factory, now: time.Now}
}

// Fetch loads the location detail and online status of a character record.
// The returned freshness is the earliest expiry of the two.
func (g *GatewayFetcher) Fetch(ctx context.Context, characterID uint, cache esi.ResourceCache) (*session.Snapshot, esi.Freshness, error) {
	client, err := g.factory.ForCharacter(ctx, characterID)
	if err != nil {
		return nil, esi.Freshness{}, err
	}

	location, err := client.LocationDetail(ctx, cache)
	if err != nil {
		return nil, esi.Freshness{}, err
	}
	status, err := client.OnlineStatus(ctx)
	if err != nil {
		return nil, esi.Freshness{}, err
	}

	snap := &session.Snapshot{
		Location:  location.Payload,
		Status:    &status.Payload,
		FetchedAt: g.now(),
	}
	return snap, earliest(location.Freshness, status.Freshness), nil
}

func earliest(a, b esi.Freshness) esi.Freshness {
	switch {
	case a.ExpiresAt.IsZero():
		return b
	case b.ExpiresAt.IsZero():
		return a
	case b.ExpiresAt.Before(a.ExpiresAt):
		return b
	default:
		return a
	}
}
