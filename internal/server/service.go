package server

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"RateEngine/internal/ingestion"
	"RateEngine/internal/math"
	"RateEngine/internal/observability"
	"RateEngine/internal/oracle"
	"RateEngine/internal/query"
	"RateEngine/internal/rates"
)

// IntegrityVerifier walks the event log hash chain.
type IntegrityVerifier interface {
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// Deps holds what the RateService needs. Integrity and Ingest may be nil;
// the corresponding RPCs then return Unimplemented.
type Deps struct {
	Model     *rates.RateModel
	Rates     query.RateReader
	Ingest    *ingestion.GRPCIngestService
	Integrity IntegrityVerifier
	Metrics   *observability.Metrics
	Health    *observability.HealthChecker
	Logger    zerolog.Logger
}

type rateService struct {
	model     *rates.RateModel
	rates     query.RateReader
	ingest    *ingestion.GRPCIngestService
	integrity IntegrityVerifier
	log       zerolog.Logger
}

var _ RateServiceServer = (*rateService)(nil)

func newRateService(deps *Deps) *rateService {
	return &rateService{
		model:     deps.Model,
		rates:     deps.Rates,
		ingest:    deps.Ingest,
		integrity: deps.Integrity,
		log:       deps.Logger,
	}
}

func (s *rateService) Calculate(ctx context.Context, req *CalculateRequest) (*RateResult, error) {
	q, err := s.model.Quote(req.IlkIndex, req.TotalIlkDebt, req.TotalEthSupply)
	if err != nil {
		return nil, toStatus(err)
	}
	res := newRateResult(q)
	return &res, nil
}

func (s *rateService) CalculateAll(ctx context.Context, req *CalculateAllRequest) (*CalculateAllResponse, error) {
	quotes, err := s.model.CalculateAll(req.TotalIlkDebts, req.TotalEthSupply)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &CalculateAllResponse{Rates: make([]RateResult, 0, len(quotes))}
	for _, q := range quotes {
		resp.Rates = append(resp.Rates, newRateResult(q))
	}
	return resp, nil
}

func (s *rateService) GetCollateralConfig(ctx context.Context, req *CollateralRequest) (*CollateralConfigResponse, error) {
	cfg, err := s.model.Store().Unpack(req.IlkIndex)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CollateralConfigResponse{
		IlkIndex:               req.IlkIndex,
		AdjustedProfitMargin:   cfg.AdjustedProfitMargin,
		MinimumKinkRate:        cfg.MinimumKinkRate,
		AdjustedAboveKinkSlope: cfg.AdjustedAboveKinkSlope,
		MinimumAboveKinkSlope:  cfg.MinimumAboveKinkSlope,
		AdjustedReserveFactor:  cfg.AdjustedReserveFactor,
		MinimumReserveFactor:   cfg.MinimumReserveFactor,
		AdjustedBaseRate:       cfg.AdjustedBaseRate,
		MinimumBaseRate:        cfg.MinimumBaseRate,
		OptimalUtilizationRate: cfg.OptimalUtilizationRate,
		DistributionFactor:     cfg.DistributionFactor,
	}, nil
}

func (s *rateService) GetPackedSlot(ctx context.Context, req *CollateralRequest) (*PackedSlotResponse, error) {
	slot, err := s.model.Store().PackedSlot(req.IlkIndex)
	if err != nil {
		return nil, toStatus(err)
	}
	return &PackedSlotResponse{
		IlkIndex: req.IlkIndex,
		WordA:    wordHex(&slot.WordA),
		WordB:    wordHex(&slot.WordB),
	}, nil
}

func (s *rateService) GetLatestRate(ctx context.Context, req *CollateralRequest) (*query.RateResponse, error) {
	resp, err := s.rates.GetLatestRate(ctx, req.IlkIndex)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *rateService) GetRateHistory(ctx context.Context, req *RateHistoryRequest) (*RateHistoryResponse, error) {
	if req.Limit < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "limit must not be negative, got %d", req.Limit)
	}
	history, err := s.rates.GetRateHistory(ctx, req.IlkIndex, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return &RateHistoryResponse{Rates: history}, nil
}

func (s *rateService) InjectYield(ctx context.Context, req *InjectYieldRequest) (*InjectYieldResponse, error) {
	if s.ingest == nil {
		return nil, status.Error(codes.Unimplemented, "yield injection is disabled")
	}
	if int(req.IlkIndex) >= s.model.Store().CollateralCount() {
		return nil, status.Errorf(codes.OutOfRange, "ilk_index %d: no such collateral", req.IlkIndex)
	}
	evt, err := s.ingest.InjectYield(ctx, req.IlkIndex, req.Apy, req.Sequence)
	if err != nil {
		return nil, toStatus(err)
	}
	s.log.Info().
		Uint8("ilk", evt.IlkIndex).
		Str("apy", evt.Apy.String()).
		Int64("sequence", evt.Sequence).
		Msg("admin yield injected")
	return &InjectYieldResponse{
		Accepted:       true,
		Sequence:       evt.Sequence,
		IdempotencyKey: evt.IdempotencyKey(),
	}, nil
}

func (s *rateService) VerifyIntegrity(ctx context.Context, _ *VerifyIntegrityRequest) (*query.IntegrityReport, error) {
	if s.integrity == nil {
		return nil, status.Error(codes.Unimplemented, "no event log configured")
	}
	report, err := s.integrity.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return report, nil
}

// newRateResult renders a quote. An APY that cannot be derived is left
// unset; the quote itself stands.
func newRateResult(q rates.Quote) RateResult {
	res := RateResult{
		IlkIndex:      q.IlkIndex,
		BorrowRate:    q.BorrowRate,
		ReserveFactor: q.ReserveFactor,
		Utilization:   q.Utilization,
		YieldApy:      q.Yield,
		MinimumCurve:  q.MinimumCurve,
	}
	if apy, err := math.PerSecondToAnnual(q.BorrowRate); err == nil {
		res.BorrowAPY = &apy
	}
	return res
}

func wordHex(w *uint256.Int) string {
	b := w.Bytes32()
	return "0x" + hex.EncodeToString(b[:])
}

// toStatus maps domain errors onto gRPC codes. Errors that already carry a
// status pass through.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	var dfErr *rates.DistributionFactorsDoNotSumToOneError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, rates.ErrCollateralIndexOutOfBounds):
		return status.Error(codes.OutOfRange, err.Error())
	case errors.Is(err, rates.ErrCollateralCountMismatch),
		errors.Is(err, ingestion.ErrMalformedEvent),
		errors.Is(err, math.ErrOverflow),
		errors.Is(err, math.ErrDivisionByZero):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, oracle.ErrNoReading), errors.Is(err, oracle.ErrStaleYield),
		errors.As(err, &dfErr):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, query.ErrRateNotFound):
		return status.Error(codes.NotFound, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// metricsInterceptor records query metrics for every RateService call.
func metricsInterceptor(m *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		prefix := "/" + ServiceName + "/"
		if !strings.HasPrefix(info.FullMethod, prefix) {
			return handler(ctx, req)
		}
		start := time.Now()
		resp, err := handler(ctx, req)
		observeQuery(m, strings.TrimPrefix(info.FullMethod, prefix), start, err)
		return resp, err
	}
}

func observeQuery(m *observability.Metrics, endpoint string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		code := status.Code(err).String()
		m.QueryRequests.WithLabelValues(endpoint, "error").Inc()
		m.QueryErrors.WithLabelValues(endpoint, code).Inc()
		return
	}
	m.QueryRequests.WithLabelValues(endpoint, "ok").Inc()
}
