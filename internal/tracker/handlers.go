package tracker

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/outreach-engine/internal/pkg/logger"
)

// transparent 1x1 GIF, served for every pixel request including bad
// signatures, so a tracking failure never breaks image rendering.
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// RegisterRoutes mounts the public tracking endpoints. These live
// outside the API auth surface: the HMAC signature is the auth.
func RegisterRoutes(r chi.Router, svc *Service) {
	r.Get("/t/open/{payload}/{sig}.gif", svc.handleOpen)
	r.Get("/t/click/{payload}/{sig}", svc.handleClick)
}

func (s *Service) handleOpen(w http.ResponseWriter, r *http.Request) {
	payload := chi.URLParam(r, "payload")
	sig := chi.URLParam(r, "sig")

	if err := s.RecordOpen(r.Context(), payload, sig); err != nil {
		logger.Debug("tracker: open hit rejected", "error", err.Error())
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.WriteHeader(http.StatusOK)
	w.Write(pixelGIF)
}

func (s *Service) handleClick(w http.ResponseWriter, r *http.Request) {
	payload := chi.URLParam(r, "payload")
	sig := chi.URLParam(r, "sig")

	dest, err := s.RecordClick(r.Context(), payload, sig)
	if err != nil && dest == "" {
		logger.Debug("tracker: click hit rejected", "error", err.Error())
		http.NotFound(w, r)
		return
	}
	// Redirect even when recording failed; the reader's click comes
	// first.
	http.Redirect(w, r, dest, http.StatusFound)
}
