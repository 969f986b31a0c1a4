package treecrypt

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Handler is the boundary a user interface calls into. It takes the raw
// form values and returns a display string; errors never cross it.
type Handler struct {
	Engine *Engine

	// Timeout bounds each call when positive
	Timeout time.Duration
}

// NewHandler returns a Handler over engine
func NewHandler(engine *Engine) *Handler {
	return &Handler{Engine: engine}
}

// EncryptHandler encrypts every comma-separated path in paths with pwd and
// returns the status line of each run, joined with "; ".
func (h *Handler) EncryptHandler(paths, pwd string) string {
	return h.each(paths, func(ctx context.Context, p string) string {
		res, _ := h.Engine.Encrypt(ctx, p, []byte(pwd))
		return res.Status
	}, "Encryption failed: ")
}

// DecryptHandler is the inverse of EncryptHandler.
func (h *Handler) DecryptHandler(paths, pwd string) string {
	return h.each(paths, func(ctx context.Context, p string) string {
		res, _ := h.Engine.Decrypt(ctx, p, []byte(pwd))
		return res.Status
	}, "Decryption failed: ")
}

// GetPath echoes the submitted path
func (h *Handler) GetPath(name string) string {
	return "Path: " + name
}

// GetPassword acknowledges a submitted password without revealing it.
func (h *Handler) GetPassword(name string) string {
	return fmt.Sprintf("Password: %d characters", utf8.RuneCountInString(name))
}

func (h *Handler) each(paths string, run func(context.Context, string) string, failPrefix string) string {
	var list []string
	for _, p := range strings.Split(paths, ",") {
		if p = strings.TrimSpace(p); p != "" {
			list = append(list, p)
		}
	}
	if len(list) == 0 {
		return failPrefix + KindPathNotFound.Describe()
	}

	statuses := make([]string, 0, len(list))
	for _, p := range list {
		ctx, cancel := h.context()
		statuses = append(statuses, run(ctx, p))
		cancel()
	}
	return strings.Join(statuses, "; ")
}

func (h *Handler) context() (context.Context, context.CancelFunc) {
	if h.Timeout > 0 {
		return context.WithTimeout(context.Background(), h.Timeout)
	}
	return context.WithCancel(context.Background())
}
