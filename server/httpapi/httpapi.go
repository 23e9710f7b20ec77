// SPDX-License-Identifier: ice License 1.0

// Package httpapi adapts the relay core to HTTP: REST publish/subscribe,
// a Server-Sent Events stream with the same bounded-queue drop-oldest
// policy, a liveness endpoint exporting drop counters, and a JSON
// websocket mirroring native semantics at /v1/ws.
package httpapi

import (
	"context"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/aether-mesh/relay/model"
	"github.com/aether-mesh/relay/relay"
)

type (
	Config struct {
		Port         uint16        `yaml:"port" mapstructure:"port"`
		CertPath     string        `yaml:"certPath" mapstructure:"certPath"`
		KeyPath      string        `yaml:"keyPath" mapstructure:"keyPath"`
		Debug        bool          `yaml:"debug" mapstructure:"debug"`
		Heartbeat    time.Duration `yaml:"heartbeat" mapstructure:"heartbeat"`
		WriteTimeout time.Duration `yaml:"writeTimeout" mapstructure:"writeTimeout"`
	}

	sseSubscription struct {
		connID  string
		subID   string
		filters model.Filters
		events  chan *model.Event
		done    chan struct{}

		attachOnce sync.Once
		closeOnce  sync.Once
	}

	gateway struct {
		relay *relay.Relay
		cfg   *Config

		subsMx sync.Mutex
		subs   map[string]*sseSubscription
	}
)

const defaultHeartbeat = 15 * time.Second

// ListenAndServe runs the HTTP surface.
func ListenAndServe(ctx context.Context, rel *relay.Relay, cfg *Config) error {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	g := &gateway{relay: rel, cfg: cfg, subs: make(map[string]*sseSubscription)}

	router := gin.New()
	router.Use(gin.Recovery())
	router.POST("/v1/events", g.postEvent)
	router.POST("/v1/subscriptions", g.postSubscription)
	router.DELETE("/v1/subscriptions/:id", g.deleteSubscription)
	router.GET("/v1/stream", g.stream)
	router.GET("/v1/ws", g.websocket)
	router.GET("/healthz", g.healthz)

	server := &http.Server{
		Addr:        ":" + strconv.Itoa(int(cfg.Port)),
		Handler:     router,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	var err error
	if cfg.CertPath != "" && cfg.KeyPath != "" {
		err = server.ListenAndServeTLS(cfg.CertPath, cfg.KeyPath)
	} else {
		err = server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return errors.Wrap(err, "http gateway failed")
}

func (g *gateway) postEvent(ginCtx *gin.Context) {
	body, err := ginCtx.GetRawData()
	if err != nil {
		ginCtx.JSON(http.StatusBadRequest, gin.H{"error": model.ErrorCode(model.ErrInvalidMessage), "message": "failed to read body"})

		return
	}
	raw := gjson.ParseBytes(body)
	if eventField := raw.Get("event"); eventField.IsObject() {
		raw = eventField
	}
	if !raw.IsObject() {
		ginCtx.JSON(http.StatusBadRequest, gin.H{"error": model.ErrorCode(model.ErrInvalidEvent), "message": "event must be an object"})

		return
	}

	var event model.Event
	if err = event.UnmarshalJSON([]byte(raw.Raw)); err != nil {
		ginCtx.JSON(http.StatusBadRequest, gin.H{"error": model.ErrorCode(err), "message": err.Error()})

		return
	}
	ack, err := g.relay.Accept(ginCtx.Request.Context(), "http-api", &event)
	if err != nil {
		ginCtx.JSON(statusFor(err), gin.H{"error": model.ErrorCode(err), "message": err.Error()})

		return
	}
	status := "accepted"
	if ack.Duplicate {
		status = "duplicate"
	}
	ginCtx.JSON(http.StatusAccepted, gin.H{"event_id": ack.EventID.String(), "status": status})
}

func (g *gateway) postSubscription(ginCtx *gin.Context) {
	body, err := ginCtx.GetRawData()
	if err != nil {
		ginCtx.JSON(http.StatusBadRequest, gin.H{"error": model.ErrorCode(model.ErrInvalidMessage), "message": "failed to read body"})

		return
	}
	filters, err := filtersFromBody(body)
	if err != nil {
		ginCtx.JSON(http.StatusBadRequest, gin.H{"error": model.ErrorCode(err), "message": err.Error()})

		return
	}

	subID := gjson.GetBytes(body, "subscription_id").String()
	if subID == "" {
		subID = "sub-" + uuid.NewString()
	}
	sub := &sseSubscription{
		connID:  "http-sse-" + subID,
		subID:   subID,
		filters: filters,
		events:  make(chan *model.Event),
		done:    make(chan struct{}),
	}
	g.subsMx.Lock()
	if _, dup := g.subs[subID]; dup {
		g.subsMx.Unlock()
		ginCtx.JSON(http.StatusConflict, gin.H{"error": model.ErrorCode(model.ErrInvalidMessage), "message": "subscription_id already exists"})

		return
	}
	g.subs[subID] = sub
	g.subsMx.Unlock()

	// The relay-side outbox applies the bounded-queue drop-oldest policy;
	// an unattached stream just leaves the sender parked on this channel.
	g.relay.Subscribe(sub.connID, subID, filters, func(_ string, event *model.Event) error {
		select {
		case sub.events <- event:
			return nil
		case <-sub.done:
			return errors.New("subscription closed")
		}
	})

	ginCtx.JSON(http.StatusOK, gin.H{"subscription_id": subID})
}

func (g *gateway) deleteSubscription(ginCtx *gin.Context) {
	subID := ginCtx.Param("id")
	g.subsMx.Lock()
	sub, found := g.subs[subID]
	delete(g.subs, subID)
	g.subsMx.Unlock()
	if !found {
		ginCtx.JSON(http.StatusNotFound, gin.H{"error": model.ErrorCode(model.ErrSubscriptionNotFound)})

		return
	}
	sub.close()
	g.relay.Unsubscribe(sub.connID, subID)
	ginCtx.JSON(http.StatusOK, gin.H{"deleted": true, "subscription_id": subID})
}

// stream serves the Server-Sent Events feed: backfill first, then live
// events as they clear the subscription outbox, with periodic heartbeat
// comments. This surface emits no end-of-backfill marker.
func (g *gateway) stream(ginCtx *gin.Context) {
	subID := ginCtx.Query("subscription_id")
	if subID == "" {
		ginCtx.JSON(http.StatusBadRequest, gin.H{"error": model.ErrorCode(model.ErrInvalidMessage), "message": "subscription_id required"})

		return
	}
	g.subsMx.Lock()
	sub, found := g.subs[subID]
	g.subsMx.Unlock()
	if !found {
		ginCtx.JSON(http.StatusNotFound, gin.H{"error": model.ErrorCode(model.ErrSubscriptionNotFound)})

		return
	}

	header := ginCtx.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	ginCtx.Writer.WriteHeader(http.StatusOK)
	ginCtx.Writer.Flush()

	heartbeat := g.cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	counter := 0
	emit := func(event *model.Event) bool {
		counter++
		raw, marshalErr := event.MarshalJSON()
		if marshalErr != nil {
			return false
		}
		payload := `{"type":"event","sub_id":` + strconv.Quote(subID) + `,"event":` + string(raw) + `}`
		if _, writeErr := ginCtx.Writer.WriteString("id: " + strconv.Itoa(counter) + "\nevent: event\ndata: " + payload + "\n\n"); writeErr != nil {
			return false
		}
		ginCtx.Writer.Flush()

		return true
	}

	backfill, err := g.relay.Backfill(ginCtx.Request.Context(), sub.filters)
	if err != nil {
		return
	}
	for _, event := range backfill {
		if !emit(event) {
			return
		}
	}

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ginCtx.Request.Context().Done():
			return
		case <-sub.done:
			return
		case event := <-sub.events:
			if !emit(event) {
				return
			}
		case <-ticker.C:
			if _, writeErr := ginCtx.Writer.WriteString(": heartbeat\n\n"); writeErr != nil {
				return
			}
			ginCtx.Writer.Flush()
		}
	}
}

func (g *gateway) healthz(ginCtx *gin.Context) {
	dropped := g.relay.DroppedBySubscription()
	var total uint64
	for _, count := range dropped {
		total += count
	}
	ginCtx.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"dropped_total":  total,
		"subscriptions":  dropped,
	})
}

// websocket upgrades /v1/ws into a JSON session mirroring the native
// surface.
func (g *gateway) websocket(ginCtx *gin.Context) {
	conn, _, _, err := ws.UpgradeHTTP(ginCtx.Request, ginCtx.Writer)
	if err != nil {
		log.Printf("WARN: /v1/ws upgrade failed: %v", err)

		return
	}
	go serveJSONWS(ginCtx.Request.Context(), g.relay, conn, g.cfg.WriteTimeout)
}

func (sub *sseSubscription) close() {
	sub.closeOnce.Do(func() { close(sub.done) })
}

func filtersFromBody(body []byte) (model.Filters, error) {
	raw := gjson.GetBytes(body, "filters")
	var rawFilters []gjson.Result
	switch {
	case raw.IsObject():
		rawFilters = []gjson.Result{raw}
	case raw.IsArray():
		rawFilters = raw.Array()
	default:
		return nil, errors.Wrap(model.ErrInvalidMessage, "filters must be an object or a list")
	}
	if len(rawFilters) == 0 {
		return nil, errors.Wrap(model.ErrInvalidMessage, "filters required")
	}

	filters := make(model.Filters, 0, len(rawFilters))
	for _, entry := range rawFilters {
		if !entry.IsObject() {
			return nil, errors.Wrap(model.ErrInvalidMessage, "filter must be an object")
		}
		filter, err := model.ParseFilter([]byte(entry.Raw))
		if err != nil {
			return nil, err
		}
		filters = append(filters, filter)
	}

	return filters, nil
}

func statusFor(err error) int {
	switch model.ErrorCode(err) {
	case model.ErrRateLimited.Error():
		return http.StatusTooManyRequests
	case model.ErrInternal.Error():
		return http.StatusInternalServerError
	}

	return http.StatusBadRequest
}
