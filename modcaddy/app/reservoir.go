package app

import (
	"errors"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/gaukas/vlessd"
	"go.uber.org/zap"
)

const (
	CaddyAppID = "vlessd"

	DEFAULT_RESERVOIR_ENTRY_VALID_FOR = 10 * time.Second
)

func init() {
	caddy.RegisterModule(Reservoir{})
}

// Reservoir implements caddy.App.
// It owns the HeaderTracker shared between the ListenerWrapper, which
// deposits decoded request headers, and the Handler, which withdraws them
// when ServeHTTP is called.
type Reservoir struct {
	ValidFor caddy.Duration `json:"valid_for,omitempty"`

	headerTracker *vlessd.HeaderTracker

	logger *zap.Logger
}

// CaddyModule implements CaddyModule() of caddy.Module.
// It returns the Caddy module information.
func (Reservoir) CaddyModule() caddy.ModuleInfo { // skipcq: GO-W1029
	return caddy.ModuleInfo{
		ID: CaddyAppID,
		New: func() caddy.Module {
			return &Reservoir{
				ValidFor: caddy.Duration(DEFAULT_RESERVOIR_ENTRY_VALID_FOR),
			}
		},
	}
}

// HeaderTracker returns the HeaderTracker instance.
func (r *Reservoir) HeaderTracker() *vlessd.HeaderTracker { // skipcq: GO-W1029
	return r.headerTracker
}

// Start implements Start() of caddy.App.
func (r *Reservoir) Start() error { // skipcq: GO-W1029
	if r.ValidFor <= 0 {
		return errors.New("valid_for must be a positive duration")
	}

	r.logger.Info("vlessd reservoir is started")

	return nil
}

// Stop implements Stop() of caddy.App.
func (r *Reservoir) Stop() error { // skipcq: GO-W1029
	r.headerTracker.Close()
	return nil
}

// Provision implements Provision() of caddy.Provisioner.
func (r *Reservoir) Provision(ctx caddy.Context) error { // skipcq: GO-W1029
	r.logger = ctx.Logger(r)
	r.headerTracker = vlessd.NewHeaderTrackerWithTimeout(time.Duration(r.ValidFor))

	r.logger.Info("vlessd reservoir is provisioned")
	return nil
}

var (
	_ caddy.App         = (*Reservoir)(nil)
	_ caddy.Provisioner = (*Reservoir)(nil)
)
