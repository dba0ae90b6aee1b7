package server

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"RateEngine/internal/math"
	"RateEngine/internal/query"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "rateengine.v1.RateService"

// CodecName is the gRPC content subtype the service speaks. Clients select
// it with grpc.CallContentSubtype(CodecName).
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec carries RateService messages as JSON. Fixed-point values go on
// the wire as decimal strings through their TextMarshaler.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

// ============================================================================
// Messages
// ============================================================================

type CalculateRequest struct {
	IlkIndex       uint8    `json:"ilk_index"`
	TotalIlkDebt   math.Rad `json:"total_ilk_debt"`
	TotalEthSupply math.Wad `json:"total_eth_supply"`
}

type RateResult struct {
	IlkIndex      uint8     `json:"ilk_index"`
	BorrowRate    math.Ray  `json:"borrow_rate"`          // per second
	BorrowAPY     *math.Apy `json:"borrow_apy,omitempty"` // unset if the rate does not annualize
	ReserveFactor math.Ray  `json:"reserve_factor"`
	Utilization   math.Ray  `json:"utilization"`
	YieldApy      math.Apy  `json:"yield_apy"`
	MinimumCurve  bool      `json:"minimum_curve"`
}

type CalculateAllRequest struct {
	TotalIlkDebts  []math.Rad `json:"total_ilk_debts"`
	TotalEthSupply math.Wad   `json:"total_eth_supply"`
}

type CalculateAllResponse struct {
	Rates []RateResult `json:"rates"`
}

type CollateralRequest struct {
	IlkIndex uint8 `json:"ilk_index"`
}

type CollateralConfigResponse struct {
	IlkIndex               uint8    `json:"ilk_index"`
	AdjustedProfitMargin   math.Ray `json:"adjusted_profit_margin"`
	MinimumKinkRate        math.Ray `json:"minimum_kink_rate"`
	AdjustedAboveKinkSlope math.Bps `json:"adjusted_above_kink_slope"`
	MinimumAboveKinkSlope  math.Bps `json:"minimum_above_kink_slope"`
	AdjustedReserveFactor  math.Bps `json:"adjusted_reserve_factor"`
	MinimumReserveFactor   math.Bps `json:"minimum_reserve_factor"`
	AdjustedBaseRate       math.Ray `json:"adjusted_base_rate"`
	MinimumBaseRate        math.Ray `json:"minimum_base_rate"`
	OptimalUtilizationRate math.Bps `json:"optimal_utilization_rate"`
	DistributionFactor     math.Bps `json:"distribution_factor"`
}

// PackedSlotResponse holds the two storage words of a collateral as
// 0x-prefixed 32-byte big-endian hex.
type PackedSlotResponse struct {
	IlkIndex uint8  `json:"ilk_index"`
	WordA    string `json:"word_a"`
	WordB    string `json:"word_b"`
}

type RateHistoryRequest struct {
	IlkIndex uint8 `json:"ilk_index"`
	Limit    int   `json:"limit"`
}

type RateHistoryResponse struct {
	Rates []query.RateResponse `json:"rates"`
}

// InjectYieldRequest queues an admin yield reading. A zero sequence is
// assigned from the clock.
type InjectYieldRequest struct {
	IlkIndex uint8    `json:"ilk_index"`
	Apy      math.Apy `json:"apy"`
	Sequence int64    `json:"sequence"`
}

type InjectYieldResponse struct {
	Accepted       bool   `json:"accepted"`
	Sequence       int64  `json:"sequence"`
	IdempotencyKey string `json:"idempotency_key"`
}

type VerifyIntegrityRequest struct{}

// ============================================================================
// Service descriptor
// ============================================================================

// RateServiceServer is the server API for rateengine.v1.RateService.
type RateServiceServer interface {
	Calculate(context.Context, *CalculateRequest) (*RateResult, error)
	CalculateAll(context.Context, *CalculateAllRequest) (*CalculateAllResponse, error)
	GetCollateralConfig(context.Context, *CollateralRequest) (*CollateralConfigResponse, error)
	GetPackedSlot(context.Context, *CollateralRequest) (*PackedSlotResponse, error)
	GetLatestRate(context.Context, *CollateralRequest) (*query.RateResponse, error)
	GetRateHistory(context.Context, *RateHistoryRequest) (*RateHistoryResponse, error)
	InjectYield(context.Context, *InjectYieldRequest) (*InjectYieldResponse, error)
	VerifyIntegrity(context.Context, *VerifyIntegrityRequest) (*query.IntegrityReport, error)
}

// RateServiceDesc is registered on a grpc.Server with RegisterRateServiceServer.
var RateServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RateServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Calculate", RateServiceServer.Calculate),
		unary("CalculateAll", RateServiceServer.CalculateAll),
		unary("GetCollateralConfig", RateServiceServer.GetCollateralConfig),
		unary("GetPackedSlot", RateServiceServer.GetPackedSlot),
		unary("GetLatestRate", RateServiceServer.GetLatestRate),
		unary("GetRateHistory", RateServiceServer.GetRateHistory),
		unary("InjectYield", RateServiceServer.InjectYield),
		unary("VerifyIntegrity", RateServiceServer.VerifyIntegrity),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rateengine/v1/rate_service",
}

func RegisterRateServiceServer(s grpc.ServiceRegistrar, srv RateServiceServer) {
	s.RegisterService(&RateServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(RateServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(RateServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(RateServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ============================================================================
// Client
// ============================================================================

// RateServiceClient calls rateengine.v1.RateService over the JSON codec.
type RateServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewRateServiceClient(cc grpc.ClientConnInterface) *RateServiceClient {
	return &RateServiceClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, name string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, fullMethod(name), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RateServiceClient) Calculate(ctx context.Context, in *CalculateRequest, opts ...grpc.CallOption) (*RateResult, error) {
	return invoke[RateResult](ctx, c.cc, "Calculate", in, opts)
}

func (c *RateServiceClient) CalculateAll(ctx context.Context, in *CalculateAllRequest, opts ...grpc.CallOption) (*CalculateAllResponse, error) {
	return invoke[CalculateAllResponse](ctx, c.cc, "CalculateAll", in, opts)
}

func (c *RateServiceClient) GetCollateralConfig(ctx context.Context, in *CollateralRequest, opts ...grpc.CallOption) (*CollateralConfigResponse, error) {
	return invoke[CollateralConfigResponse](ctx, c.cc, "GetCollateralConfig", in, opts)
}

func (c *RateServiceClient) GetPackedSlot(ctx context.Context, in *CollateralRequest, opts ...grpc.CallOption) (*PackedSlotResponse, error) {
	return invoke[PackedSlotResponse](ctx, c.cc, "GetPackedSlot", in, opts)
}

func (c *RateServiceClient) GetLatestRate(ctx context.Context, in *CollateralRequest, opts ...grpc.CallOption) (*query.RateResponse, error) {
	return invoke[query.RateResponse](ctx, c.cc, "GetLatestRate", in, opts)
}

func (c *RateServiceClient) GetRateHistory(ctx context.Context, in *RateHistoryRequest, opts ...grpc.CallOption) (*RateHistoryResponse, error) {
	return invoke[RateHistoryResponse](ctx, c.cc, "GetRateHistory", in, opts)
}

func (c *RateServiceClient) InjectYield(ctx context.Context, in *InjectYieldRequest, opts ...grpc.CallOption) (*InjectYieldResponse, error) {
	return invoke[InjectYieldResponse](ctx, c.cc, "InjectYield", in, opts)
}

func (c *RateServiceClient) VerifyIntegrity(ctx context.Context, in *VerifyIntegrityRequest, opts ...grpc.CallOption) (*query.IntegrityReport, error) {
	return invoke[query.IntegrityReport](ctx, c.cc, "VerifyIntegrity", in, opts)
}
