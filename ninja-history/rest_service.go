package main

import (
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/valyala/fasthttp"
)

const (
	defaultLimit = 20
	maxLimit     = 1000
)

type RestService struct {
	store  *Store
	logger *slog.Logger
}

func NewRestServer(store *Store, logger *slog.Logger) *fasthttp.Server {
	svc := &RestService{store: store, logger: logger}
	return &fasthttp.Server{
		Handler: svc.Handle,
		Name:    "ninja-history",
	}
}

func (svc *RestService) Handle(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() {
		ctx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
		return
	}
	switch string(ctx.Path()) {
	case "/builds":
		svc.HandleBuilds(ctx)
	case "/builds/failures":
		svc.HandleFailures(ctx)
	case "/stats":
		svc.HandleStats(ctx)
	default:
		ctx.Error("not found", fasthttp.StatusNotFound)
	}
}

func (svc *RestService) reply(ctx *fasthttp.RequestCtx, v any, err error) {
	if err != nil {
		svc.logger.Error("query failed", "path", string(ctx.Path()), "err", err)
		ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
		return
	}
	buf, err := json.Marshal(v)
	if err != nil {
		ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
		return
	}
	ctx.Success("application/json", buf)
}

// HandleBuilds lists recent builds: /builds?limit=N&outcome=failed, or a
// single build with its failures: /builds?id=N.
func (svc *RestService) HandleBuilds(ctx *fasthttp.RequestCtx) {
	args := ctx.QueryArgs()
	if args.Has("id") {
		id, err := strconv.ParseInt(string(args.Peek("id")), 10, 64)
		if err != nil {
			ctx.Error("bad id", fasthttp.StatusBadRequest)
			return
		}
		build, err := svc.store.Build(id)
		if err == nil && build == nil {
			ctx.Error("no such build", fasthttp.StatusNotFound)
			return
		}
		svc.reply(ctx, build, err)
		return
	}

	limit := int64(defaultLimit)
	if args.Has("limit") {
		n, err := strconv.ParseInt(string(args.Peek("limit")), 10, 64)
		if err != nil || n <= 0 {
			ctx.Error("bad limit", fasthttp.StatusBadRequest)
			return
		}
		limit = min(n, maxLimit)
	}
	builds, err := svc.store.RecentBuilds(limit, string(args.Peek("outcome")))
	svc.reply(ctx, builds, err)
}

func (svc *RestService) HandleFailures(ctx *fasthttp.RequestCtx) {
	id, err := strconv.ParseInt(string(ctx.QueryArgs().Peek("build")), 10, 64)
	if err != nil {
		ctx.Error("bad build", fasthttp.StatusBadRequest)
		return
	}
	failures, err := svc.store.Failures(id)
	svc.reply(ctx, failures, err)
}

func (svc *RestService) HandleStats(ctx *fasthttp.RequestCtx) {
	stats, err := svc.store.Stats()
	svc.reply(ctx, stats, err)
}
