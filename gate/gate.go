package gate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/INLOpen/relayhub/core"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Options configures a Gate.
type Options struct {
	// Timeout bounds a single oracle query. Zero means no extra bound beyond the caller's context.
	Timeout    time.Duration
	Logger     *slog.Logger
	Registerer prometheus.Registerer
	Tracer     trace.Tracer
}

// Gate admits subscribers whose access token references a finalized, successful
// transaction sent to the configured contract.
type Gate struct {
	oracle   core.LedgerOracle
	contract common.Address
	timeout  time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *Metrics
}

// New creates a Gate that verifies tokens against oracle.
func New(oracle core.LedgerOracle, contract common.Address, opts Options) *Gate {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/INLOpen/relayhub/gate")
	}
	return &Gate{
		oracle:   oracle,
		contract: contract,
		timeout:  opts.Timeout,
		logger:   logger.With("component", "AccessGate"),
		tracer:   tracer,
		metrics:  newMetrics(opts.Registerer),
	}
}

// Contract returns the destination address tokens must pay.
func (g *Gate) Contract() common.Address {
	return g.contract
}

// ParseToken converts an access token into a transaction hash.
// It accepts exactly 32 bytes of hex with an optional 0x prefix.
func ParseToken(token string) (common.Hash, error) {
	s := strings.TrimSpace(token)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	if len(s) != 2*common.HashLength {
		return common.Hash{}, fmt.Errorf("expected %d hex characters, got %d", 2*common.HashLength, len(s))
	}
	b, err := hexutil.Decode("0x" + s)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(b), nil
}

// Verify returns nil when token proves payment to the contract, and an
// *core.AccessDeniedError otherwise. Oracle failures deny access.
func (g *Gate) Verify(ctx context.Context, token string) (err error) {
	ctx, span := g.tracer.Start(ctx, "Gate.Verify")
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	hash, parseErr := ParseToken(token)
	if parseErr != nil {
		return g.deny(core.ReasonMalformedToken, token, parseErr)
	}
	span.SetAttributes(attribute.String("tx_hash", hash.Hex()))

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	receipt, oracleErr := g.oracle.Receipt(ctx, hash)
	if oracleErr != nil {
		return g.deny(core.ReasonOracleUnavailable, token, oracleErr)
	}

	switch {
	case !receipt.Finalized:
		return g.deny(core.ReasonNotFinalized, token, nil)
	case !receipt.Success:
		return g.deny(core.ReasonFailedStatus, token, nil)
	case receipt.To != g.contract:
		return g.deny(core.ReasonWrongDestination, token, fmt.Errorf("paid %s, want %s", receipt.To.Hex(), g.contract.Hex()))
	}

	g.metrics.observe("allowed")
	g.logger.Info("Access verified", "tx_hash", hash.Hex())
	return nil
}

func (g *Gate) deny(reason core.DenyReason, token string, cause error) error {
	g.metrics.observe(string(reason))
	if reason == core.ReasonOracleUnavailable {
		g.logger.Warn("Ledger oracle unavailable, denying access", "tx_hash", token, "error", cause)
	} else {
		g.logger.Info("Access denied", "tx_hash", token, "reason", reason)
	}
	return &core.AccessDeniedError{Reason: reason, Token: token, Err: cause}
}
