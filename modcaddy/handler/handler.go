package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/gaukas/vlessd/modcaddy/app"
	"go.uber.org/zap"
)

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("vlessd", func(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
		m := &Handler{}
		return m, nil
	})
}

// Handler implements caddyhttp.MiddlewareHandler.
// It serializes the request header deposited for the requesting address as
// a JSON record. Serialization lives here, not in the decoder, so the
// decoder stays a pure function over bytes.
type Handler struct {
	logger    *zap.Logger
	reservoir *app.Reservoir
}

// CaddyModule returns the Caddy module information.
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.vlessd",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision implements caddy.Provisioner.
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger(h)
	if ctx.AppIfConfigured(app.CaddyAppID) == nil {
		return errors.New("handler: vlessd is not configured")
	}
	a, err := ctx.App(app.CaddyAppID)
	if err != nil {
		return err
	}
	h.reservoir = a.(*app.Reservoir)
	h.logger.Info("vlessd handler provisioned!")
	return nil
}

func (h *Handler) ServeHTTP(wr http.ResponseWriter, req *http.Request, next caddyhttp.Handler) error {
	// get the request header from the reservoir
	hdr := h.reservoir.HeaderTracker().Pop(req.RemoteAddr)
	if hdr == nil {
		h.logger.Debug(fmt.Sprintf("Can't withdraw request header from %s, was no request frame seen?", req.RemoteAddr))
		return next.ServeHTTP(wr, req)
	}
	h.logger.Debug(fmt.Sprintf("Withdrew request header from %s", req.RemoteAddr))

	// dump JSON
	var b []byte
	var err error
	if req.URL.Query().Get("beautify") == "true" {
		b, err = json.MarshalIndent(hdr, "", "  ")
	} else {
		b, err = json.Marshal(hdr)
	}
	if err != nil {
		h.logger.Error("failed to marshal request header", zap.Error(err))
		return next.ServeHTTP(wr, req)
	}

	// write JSON to response
	h.logger.Debug("Request header: " + string(b))
	wr.Header().Set("Content-Type", "application/json")
	wr.Header().Set("Connection", "close")
	_, err = wr.Write(b)
	if err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
		return next.ServeHTTP(wr, req)
	}
	return nil
}

// Interface guards
var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
)
