package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"RateEngine/internal/observability"
)

// gateway routes HTTP/JSON requests onto the RateService implementation.
// Errors are rendered by the grpc-gateway error handler, so HTTP status
// codes follow the gRPC code of the failure.
type gateway struct {
	mux     *runtime.ServeMux
	svc     RateServiceServer
	metrics *observability.Metrics
}

type gatewayFunc func(ctx context.Context, dec runtime.Decoder, r *http.Request, params map[string]string) (any, error)

func newGateway(svc RateServiceServer, metrics *observability.Metrics, h *observability.HealthChecker) (http.Handler, error) {
	g := &gateway{
		mux: runtime.NewServeMux(
			runtime.WithMarshalerOption(runtime.MIMEWildcard, &runtime.JSONBuiltin{}),
		),
		svc:     svc,
		metrics: metrics,
	}

	routes := []struct {
		method, pattern, endpoint string
		fn                        gatewayFunc
	}{
		{http.MethodPost, "/v1/rates:calculate", "Calculate", g.calculate},
		{http.MethodPost, "/v1/rates:calculateAll", "CalculateAll", g.calculateAll},
		{http.MethodGet, "/v1/collaterals/{ilk}", "GetCollateralConfig", g.collateralConfig},
		{http.MethodGet, "/v1/collaterals/{ilk}/packed", "GetPackedSlot", g.packedSlot},
		{http.MethodGet, "/v1/rates/{ilk}/latest", "GetLatestRate", g.latestRate},
		{http.MethodGet, "/v1/rates/{ilk}/history", "GetRateHistory", g.rateHistory},
		{http.MethodPost, "/v1/yields/{ilk}", "InjectYield", g.injectYield},
		{http.MethodGet, "/v1/integrity", "VerifyIntegrity", g.verifyIntegrity},
	}
	for _, rt := range routes {
		if err := g.mux.HandlePath(rt.method, rt.pattern, g.wrap(rt.endpoint, rt.fn)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return healthMux(h, g.mux), nil
}

func (g *gateway) wrap(endpoint string, fn gatewayFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		ctx := r.Context()
		inbound, outbound := runtime.MarshalerForRequest(g.mux, r)

		resp, err := fn(ctx, inbound.NewDecoder(r.Body), r, params)
		observeQuery(g.metrics, endpoint, start, err)
		if err != nil {
			runtime.HTTPError(ctx, g.mux, outbound, w, r, err)
			return
		}

		data, err := outbound.Marshal(resp)
		if err != nil {
			runtime.HTTPError(ctx, g.mux, outbound, w, r, status.Error(codes.Internal, err.Error()))
			return
		}
		w.Header().Set("Content-Type", outbound.ContentType(resp))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}

func (g *gateway) calculate(ctx context.Context, dec runtime.Decoder, _ *http.Request, _ map[string]string) (any, error) {
	var req CalculateRequest
	if err := decodeBody(dec, &req); err != nil {
		return nil, err
	}
	return g.svc.Calculate(ctx, &req)
}

func (g *gateway) calculateAll(ctx context.Context, dec runtime.Decoder, _ *http.Request, _ map[string]string) (any, error) {
	var req CalculateAllRequest
	if err := decodeBody(dec, &req); err != nil {
		return nil, err
	}
	return g.svc.CalculateAll(ctx, &req)
}

func (g *gateway) collateralConfig(ctx context.Context, _ runtime.Decoder, _ *http.Request, params map[string]string) (any, error) {
	ilk, err := pathIlk(params)
	if err != nil {
		return nil, err
	}
	return g.svc.GetCollateralConfig(ctx, &CollateralRequest{IlkIndex: ilk})
}

func (g *gateway) packedSlot(ctx context.Context, _ runtime.Decoder, _ *http.Request, params map[string]string) (any, error) {
	ilk, err := pathIlk(params)
	if err != nil {
		return nil, err
	}
	return g.svc.GetPackedSlot(ctx, &CollateralRequest{IlkIndex: ilk})
}

func (g *gateway) latestRate(ctx context.Context, _ runtime.Decoder, _ *http.Request, params map[string]string) (any, error) {
	ilk, err := pathIlk(params)
	if err != nil {
		return nil, err
	}
	return g.svc.GetLatestRate(ctx, &CollateralRequest{IlkIndex: ilk})
}

func (g *gateway) rateHistory(ctx context.Context, _ runtime.Decoder, r *http.Request, params map[string]string) (any, error) {
	ilk, err := pathIlk(params)
	if err != nil {
		return nil, err
	}
	req := &RateHistoryRequest{IlkIndex: ilk}
	if s := r.URL.Query().Get("limit"); s != "" {
		if req.Limit, err = strconv.Atoi(s); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid limit %q", s)
		}
	}
	return g.svc.GetRateHistory(ctx, req)
}

func (g *gateway) injectYield(ctx context.Context, dec runtime.Decoder, _ *http.Request, params map[string]string) (any, error) {
	ilk, err := pathIlk(params)
	if err != nil {
		return nil, err
	}
	var req InjectYieldRequest
	if err := decodeBody(dec, &req); err != nil {
		return nil, err
	}
	req.IlkIndex = ilk
	return g.svc.InjectYield(ctx, &req)
}

func (g *gateway) verifyIntegrity(ctx context.Context, _ runtime.Decoder, _ *http.Request, _ map[string]string) (any, error) {
	return g.svc.VerifyIntegrity(ctx, &VerifyIntegrityRequest{})
}

// decodeBody decodes a JSON request body. An empty body leaves v zeroed.
func decodeBody(dec runtime.Decoder, v any) error {
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return status.Errorf(codes.InvalidArgument, "decode body: %v", err)
	}
	return nil
}

func pathIlk(params map[string]string) (uint8, error) {
	s := params["ilk"]
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "invalid ilk %q", s)
	}
	return uint8(n), nil
}
