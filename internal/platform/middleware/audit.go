package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/ledger/internal/platform/auth"
)

const apiPrefix = "/api/v1/"

// AuditEntry records who touched which ledger resource, when and how.
type AuditEntry struct {
	UserID      string
	UserRoles   []string
	Resource    string
	PatientID   string
	TreatmentID string
	Action      string // read, create, payment, reconcile, delete
	IPAddress   string
	UserAgent   string
	Path        string
	Method      string
	Timestamp   time.Time
	RequestID   string
	StatusCode  int
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every request under /api/v1/ after it completes. Writes are
// logged at info level, reads at debug.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !strings.HasPrefix(path, apiPrefix) {
				return next(c)
			}

			err := next(c)

			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Path:       path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: c.Response().Status,
				Action:     auditAction(req.Method, path),
				Resource:   extractResource(path),
			}
			if he, ok := err.(*echo.HTTPError); ok {
				entry.StatusCode = he.Code
			}
			ctx := req.Context()
			entry.UserID = auth.UserIDFromContext(ctx)
			entry.UserRoles = auth.RolesFromContext(ctx)
			entry.RequestID, _ = c.Get("request_id").(string)
			entry.PatientID = extractID(path, "patients")
			entry.TreatmentID = extractID(path, "treatments")

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if entry.Action == "read" {
				evt = logger.Debug()
			}
			evt.
				Str("type", "ledger_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("patient_id", entry.PatientID).
				Str("treatment_id", entry.TreatmentID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("ledger_access")

			return err
		}
	}
}

// auditAction names what a request does to the ledger.
func auditAction(method, path string) string {
	switch method {
	case http.MethodPost:
		switch {
		case strings.HasSuffix(path, "/payments"):
			return "payment"
		case strings.HasSuffix(path, "/reconcile"):
			return "reconcile"
		}
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// extractResource returns the first segment after /api/v1/.
func extractResource(path string) string {
	segments := strings.Split(strings.TrimPrefix(path, apiPrefix), "/")
	if len(segments) > 0 && segments[0] != "" {
		return segments[0]
	}
	return "unknown"
}

// extractID returns the uuid following /api/v1/<collection>/ if present.
func extractID(path, collection string) string {
	prefix := apiPrefix + collection + "/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	seg := strings.SplitN(strings.TrimPrefix(path, prefix), "/", 2)[0]
	if _, err := uuid.Parse(seg); err != nil {
		return ""
	}
	return seg
}
