// Package api serves the remote store over REST: GET and POST on /{Entity},
// PUT and DELETE on /{Entity}/{id}.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
	"taskboard/notify"
	"taskboard/remote/storage"
	"taskboard/telemetry"
)

const (
	maxBodySize       = 1 << 20
	idempotencyHeader = "Idempotency-Key"
)

// Deps holds the collaborators shared by every route.
type Deps struct {
	Repo storage.Repository
	Auth Authenticator
	// Dedupe is optional; without it Idempotency-Key is ignored.
	Dedupe    Deduper
	Publisher notify.Publisher
	// Health is optional and backs /healthz.
	Health func(ctx context.Context) error
	Logger *log.Logger
}

// Register wires every route on e.
func Register(e *echo.Echo, d Deps) {
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	if d.Publisher == nil {
		d.Publisher = notify.Nop{}
	}
	e.Use(GzipRequestMiddleware())
	e.GET("/healthz", healthz(d.Health))
	registerKind[domain.Task](e, d)
	registerKind[domain.List](e, d)
	registerKind[domain.Group](e, d)
}

func healthz(check func(context.Context) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		if check != nil {
			if err := check(c.Request().Context()); err != nil {
				return c.String(http.StatusServiceUnavailable, err.Error())
			}
		}
		return c.NoContent(http.StatusOK)
	}
}

type resource[T domain.Entity[T]] struct {
	Deps
	kind domain.Kind
}

func registerKind[T domain.Entity[T]](e *echo.Echo, d Deps) {
	r := &resource[T]{Deps: d, kind: domain.KindOf[T]()}
	path := r.kind.Path()
	e.GET(path, r.list)
	e.POST(path, r.create)
	e.PUT(path+"/:id", r.update)
	e.DELETE(path+"/:id", r.delete)
}

func (r *resource[T]) begin(c echo.Context, op string) (*telemetry.Request, context.Context) {
	base := map[string]any{
		"http.method": c.Request().Method,
		"http.route":  c.Path(),
		"entity.kind": string(r.kind),
	}
	if id := c.Param("id"); id != "" {
		base["entity.id"] = id
	}
	req, ctx := telemetry.Start(c.Request().Context(), r.Logger, "taskboard.api."+op, "taskboard.api", "api.request", "taskboard.api", base)
	c.SetRequest(c.Request().WithContext(ctx))
	return req, ctx
}

func (r *resource[T]) authenticate(c echo.Context, req *telemetry.Request) (string, error) {
	start := time.Now()
	userID, err := r.Auth.UserIDFromAuthHeader(bearerFromRequest(c.Request()))
	req.Observe("auth", time.Since(start))
	if err != nil {
		req.SetErrorStage("auth")
	}
	return userID, err
}

func (r *resource[T]) notFound() string {
	return strings.ToLower(string(r.kind)) + " not found"
}

func (r *resource[T]) publish(ctx context.Context, op notify.Op, id, userID string) {
	ev := notify.Event{Kind: r.kind, Op: op, ID: id, UserID: userID, Time: time.Now().UTC()}
	if err := r.Publisher.Publish(ctx, ev); err != nil {
		r.Logger.WithError(err).WithFields(log.Fields{
			"kind": r.kind,
			"op":   op,
			"id":   id,
		}).Warn("unable to publish change event")
	}
}

func (r *resource[T]) list(c echo.Context) (err error) {
	req, ctx := r.begin(c, "list")
	defer func() { req.End(c.Response().Status, err) }()

	userID, authErr := r.authenticate(c, req)
	if authErr != nil {
		return c.String(http.StatusUnauthorized, authErr.Error())
	}

	start := time.Now()
	recs, listErr := r.Repo.List(ctx, userID, r.kind)
	req.Observe("storage", time.Since(start))
	if listErr != nil {
		req.SetErrorStage("storage")
		r.Logger.WithError(listErr).WithField("kind", r.kind).Error("list failed")
		return c.String(http.StatusInternalServerError, listErr.Error())
	}
	req.Set("items", len(recs))

	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, rec := range recs {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(rec.Body)
	}
	buf.WriteByte(']')
	return c.JSONBlob(http.StatusOK, buf.Bytes())
}

func (r *resource[T]) create(c echo.Context) (err error) {
	req, ctx := r.begin(c, "create")
	defer func() { req.End(c.Response().Status, err) }()

	userID, authErr := r.authenticate(c, req)
	if authErr != nil {
		return c.String(http.StatusUnauthorized, authErr.Error())
	}

	key := c.Request().Header.Get(idempotencyHeader)
	recorded := false
	if key != "" && r.Dedupe != nil {
		added, dedupeErr := r.Dedupe.Add(ctx, userID, key)
		switch {
		case dedupeErr != nil:
			r.Logger.WithError(dedupeErr).Warn("idempotency check unavailable")
		case !added:
			req.SetErrorStage("duplicate")
			return c.String(http.StatusConflict, "duplicate request")
		default:
			recorded = true
		}
	}
	forget := func() {
		if recorded {
			if err := r.Dedupe.Remove(ctx, userID, key); err != nil {
				r.Logger.WithError(err).Warn("unable to release idempotency key")
			}
		}
	}

	payload, decodeErr := domain.DecodePayload[T](io.LimitReader(c.Request().Body, maxBodySize))
	if decodeErr != nil {
		forget()
		req.SetErrorStage("decode")
		return c.String(http.StatusBadRequest, decodeErr.Error())
	}
	if payload.EntityID() != "" {
		forget()
		req.SetErrorStage("decode")
		return c.String(http.StatusBadRequest, "id must not be set on create")
	}

	created := payload.WithID(uuid.NewString())
	body, encErr := domain.Encode(created)
	if encErr != nil {
		forget()
		req.SetErrorStage("encode")
		return c.String(http.StatusInternalServerError, encErr.Error())
	}

	start := time.Now()
	insertErr := r.Repo.Insert(ctx, userID, r.kind, storage.Record{ID: created.EntityID(), Body: body})
	req.Observe("storage", time.Since(start))
	if insertErr != nil {
		forget()
		req.SetErrorStage("storage")
		r.Logger.WithError(insertErr).WithField("kind", r.kind).Error("insert failed")
		return c.String(http.StatusInternalServerError, insertErr.Error())
	}
	req.Set("entity_id", created.EntityID())
	r.publish(ctx, notify.OpCreated, created.EntityID(), userID)
	return c.JSONBlob(http.StatusCreated, body)
}

func (r *resource[T]) update(c echo.Context) (err error) {
	req, ctx := r.begin(c, "update")
	defer func() { req.End(c.Response().Status, err) }()

	userID, authErr := r.authenticate(c, req)
	if authErr != nil {
		return c.String(http.StatusUnauthorized, authErr.Error())
	}
	id := c.Param("id")

	fields, decodeErr := domain.DecodeFields(io.LimitReader(c.Request().Body, maxBodySize))
	if decodeErr != nil {
		req.SetErrorStage("decode")
		return c.String(http.StatusBadRequest, "invalid body")
	}

	start := time.Now()
	rec, getErr := r.Repo.Get(ctx, userID, r.kind, id)
	if getErr != nil {
		req.Observe("storage", time.Since(start))
		if errors.Is(getErr, storage.ErrNotFound) {
			req.SetErrorStage("not_found")
			return c.String(http.StatusNotFound, r.notFound())
		}
		req.SetErrorStage("storage")
		return c.String(http.StatusInternalServerError, getErr.Error())
	}
	current, corruptErr := domain.Decode[T](rec.Body)
	if corruptErr != nil {
		req.SetErrorStage("storage")
		r.Logger.WithError(corruptErr).WithFields(log.Fields{"kind": r.kind, "id": id}).Error("stored record is invalid")
		return c.String(http.StatusInternalServerError, corruptErr.Error())
	}

	updated, applyErr := domain.ApplyFields(current, fields)
	if applyErr != nil {
		req.SetErrorStage("apply")
		return c.String(http.StatusBadRequest, applyErr.Error())
	}
	body, encErr := domain.Encode(updated)
	if encErr != nil {
		req.SetErrorStage("encode")
		return c.String(http.StatusInternalServerError, encErr.Error())
	}

	updateErr := r.Repo.Update(ctx, userID, r.kind, storage.Record{ID: id, Body: body})
	req.Observe("storage", time.Since(start))
	if updateErr != nil {
		if errors.Is(updateErr, storage.ErrNotFound) {
			req.SetErrorStage("not_found")
			return c.String(http.StatusNotFound, r.notFound())
		}
		req.SetErrorStage("storage")
		return c.String(http.StatusInternalServerError, fmt.Sprintf("update failed: %v", updateErr))
	}
	r.publish(ctx, notify.OpUpdated, id, userID)
	return c.JSONBlob(http.StatusOK, body)
}

func (r *resource[T]) delete(c echo.Context) (err error) {
	req, ctx := r.begin(c, "delete")
	defer func() { req.End(c.Response().Status, err) }()

	userID, authErr := r.authenticate(c, req)
	if authErr != nil {
		return c.String(http.StatusUnauthorized, authErr.Error())
	}
	id := c.Param("id")

	start := time.Now()
	removed, delErr := r.Repo.Delete(ctx, userID, r.kind, id)
	req.Observe("storage", time.Since(start))
	if delErr != nil {
		req.SetErrorStage("storage")
		return c.String(http.StatusInternalServerError, delErr.Error())
	}
	req.Set("removed", removed)
	if removed {
		r.publish(ctx, notify.OpDeleted, id, userID)
	}
	return c.NoContent(http.StatusNoContent)
}
