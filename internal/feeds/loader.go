package feeds

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Doer executes HTTP requests. *http.Client and network.Client satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Sources locates each feed as an http(s) URL or a local file path.
type Sources struct {
	Families     string
	ThreatActors string
	Bibliography string
}

// Loader fetches and decodes the feeds.
type Loader struct {
	client Doer
	log    *zap.Logger
}

// NewLoader creates a Loader. client may be nil when every source is a file.
func NewLoader(client Doer, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{client: client, log: logger.Named("feeds")}
}

// Load retrieves the three feeds concurrently. The first failure cancels the
// others and is returned as a *FeedError.
func (l *Loader) Load(ctx context.Context, src Sources) (*Set, error) {
	var set Set
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return l.load(gctx, FeedFamilies, src.Families, func(r io.Reader) (err error) {
			set.Families, err = DecodeFamilies(r)
			return err
		})
	})
	g.Go(func() error {
		return l.load(gctx, FeedMISP, src.ThreatActors, func(r io.Reader) (err error) {
			set.Galaxy, err = DecodeGalaxy(r)
			return err
		})
	})
	g.Go(func() error {
		return l.load(gctx, FeedBibliography, src.Bibliography, func(r io.Reader) (err error) {
			set.Bibliography, err = DecodeBibliography(r)
			return err
		})
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	l.log.Info("Feeds loaded",
		zap.Int("families", len(set.Families)),
		zap.Int("actors", len(set.Galaxy.Values)),
		zap.Int("references", len(set.Bibliography)))
	return &set, nil
}

func (l *Loader) load(ctx context.Context, feed, location string, decode func(io.Reader) error) error {
	start := time.Now()
	body, err := l.open(ctx, location)
	if err != nil {
		return &FeedError{Feed: feed, Err: err}
	}
	defer body.Close()

	if err := decode(body); err != nil {
		return &FeedError{Feed: feed, Err: err}
	}
	l.log.Debug("Feed decoded",
		zap.String("feed", feed),
		zap.String("location", location),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (l *Loader) open(ctx context.Context, location string) (io.ReadCloser, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, fmt.Errorf("no location configured")
	}
	if !isRemote(location) {
		f, err := os.Open(location)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", location, err)
		}
		return f, nil
	}

	if l.client == nil {
		return nil, fmt.Errorf("no http client configured for %s", location)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", location, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("request to %s returned status %d", location, resp.StatusCode)
	}
	return resp.Body, nil
}

func isRemote(location string) bool {
	lower := strings.ToLower(location)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
