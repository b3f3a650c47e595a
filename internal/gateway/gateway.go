// Package gateway submits signed ledger mutations, waits for inclusion and
// invalidates the projections each mutation affects. Writes are never
// retried and carry no idempotency key.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/emperorhan/blood-ledger/internal/chain/rpc"
	"github.com/emperorhan/blood-ledger/internal/domain/model"
	"github.com/emperorhan/blood-ledger/internal/errchan"
	"github.com/emperorhan/blood-ledger/internal/ledgererr"
	"github.com/emperorhan/blood-ledger/internal/metrics"
	"github.com/emperorhan/blood-ledger/internal/projection"
	"github.com/emperorhan/blood-ledger/internal/tracing"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

type Op string

const (
	OpRegisterDonor        Op = "register_donor"
	OpRecordBloodDonation  Op = "record_blood_donation"
	OpRequestBlood         Op = "request_blood"
	OpUpdateRequestStatus  Op = "update_request_status"
	OpScheduleDonation     Op = "schedule_donation"
	OpUpdateScheduleStatus Op = "update_schedule_status"
	OpVerifyHospital       Op = "verify_hospital"
	OpBlockHospital        Op = "block_hospital"
)

var opPhrases = map[Op]string{
	OpRegisterDonor:        "register donor",
	OpRecordBloodDonation:  "record donation",
	OpRequestBlood:         "request blood",
	OpUpdateRequestStatus:  "update request status",
	OpScheduleDonation:     "schedule donation",
	OpUpdateScheduleStatus: "update schedule status",
	OpVerifyHospital:       "verify hospital",
	OpBlockHospital:        "block hospital",
}

// Slot is the error-channel context of op.
func (o Op) Slot() string {
	return errchan.Write(opPhrases[o])
}

// Views is the projection surface the gateway needs.
type Views interface {
	Stage(entry any, keys ...projection.Key) *projection.Staged
	Invalidate(targets ...projection.Key) int
	ForgetHospital(addr common.Address)
}

type Config struct {
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
}

type Gateway struct {
	source projection.BindingSource
	views  Views
	errs   *errchan.Channel
	cfg    Config
	logger *slog.Logger
}

func New(source projection.BindingSource, views Views, errs *errchan.Channel, cfg Config, logger *slog.Logger) *Gateway {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	return &Gateway{
		source: source,
		views:  views,
		errs:   errs,
		cfg:    cfg,
		logger: logger.With("component", "gateway"),
	}
}

// Receipt describes a confirmed write.
type Receipt struct {
	OpID        string           `json:"op_id"`
	Op          Op               `json:"op"`
	From        common.Address   `json:"from"`
	TxHash      common.Hash      `json:"tx_hash"`
	BlockNumber uint64           `json:"block_number"`
	Invalidated []projection.Key `json:"invalidated"`
}

type submission struct {
	op          Op
	method      string
	args        []interface{}
	provisional any
	staged      []projection.Key
	affected    func(sender common.Address) []projection.Key
	after       func()
}

// submit sends one transaction, waits for it and invalidates the affected
// views. The provisional entry, if any, is discarded in every outcome.
func (g *Gateway) submit(ctx context.Context, s submission) (_ Receipt, err error) {
	opID := uuid.NewString()
	slot := s.op.Slot()
	g.errs.Begin(slot)

	ctx, span := tracing.Tracer("gateway").Start(ctx, "gateway.submit")
	defer func() {
		tracing.End(span, err, attribute.String("op", string(s.op)), attribute.String("op_id", opID))
	}()

	binding := g.source.Binding()
	sender, ok := binding.Account()
	if !ok {
		err = fmt.Errorf("%s: %w", s.op, ledgererr.ErrNotConnected)
		metrics.WriteSubmissionsTotal.WithLabelValues(string(s.op), "not_connected").Inc()
		g.errs.Fail(slot, err)
		return Receipt{}, err
	}
	logger := g.logger.With("op", s.op, "op_id", opID, "account", sender.Hex())

	if s.provisional != nil && len(s.staged) > 0 {
		staged := g.views.Stage(s.provisional, s.staged...)
		defer staged.Discard()
	}

	start := time.Now()
	hash, err := binding.Send(ctx, s.method, s.args...)
	if err != nil {
		return Receipt{}, g.fail(logger, s.op, slot, common.Hash{}, err)
	}
	logger.Info("transaction submitted", "tx_hash", hash.Hex())

	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.ConfirmTimeout)
	defer cancel()
	receipt, err := binding.WaitMined(waitCtx, hash, g.cfg.PollInterval)
	metrics.WriteConfirmLatency.WithLabelValues(string(s.op)).Observe(time.Since(start).Seconds())
	if err != nil {
		return Receipt{}, g.fail(logger, s.op, slot, hash, err)
	}

	affected := s.affected(sender)
	g.views.Invalidate(affected...)
	if s.after != nil {
		s.after()
	}
	metrics.WriteSubmissionsTotal.WithLabelValues(string(s.op), "ok").Inc()

	out := Receipt{
		OpID:        opID,
		Op:          s.op,
		From:        sender,
		TxHash:      hash,
		Invalidated: affected,
	}
	if n, perr := parseBlock(receipt.BlockNumber); perr == nil {
		out.BlockNumber = n
	}
	logger.Info("transaction confirmed", "tx_hash", hash.Hex(), "block", out.BlockNumber)
	return out, nil
}

func (g *Gateway) fail(logger *slog.Logger, op Op, slot string, hash common.Hash, err error) error {
	var wrapped error
	switch {
	case errors.Is(err, ledgererr.ErrInvalidArgument), errors.Is(err, ledgererr.ErrNotConnected):
		wrapped = fmt.Errorf("%s: %w", op, err)
		metrics.WriteSubmissionsTotal.WithLabelValues(string(op), string(ledgererr.KindOf(err))).Inc()
	default:
		we := ledgererr.NewWriteError(string(op), hash, err)
		wrapped = we
		metrics.WriteSubmissionsTotal.WithLabelValues(string(op), string(we.Class)).Inc()
		logger.Warn("write failed", "class", we.Class, "reason", we.Reason, "tx_hash", hash.Hex(), "error", err)
	}
	g.errs.Fail(slot, wrapped)
	return wrapped
}

func (g *Gateway) RegisterDonor(ctx context.Context, group model.BloodGroup) (Receipt, error) {
	if err := g.validGroup(OpRegisterDonor, group); err != nil {
		return Receipt{}, err
	}
	return g.submit(ctx, submission{
		op:     OpRegisterDonor,
		method: "registerDonor",
		args:   []interface{}{group.String()},
		affected: func(sender common.Address) []projection.Key {
			return []projection.Key{projection.RewardPoints(sender).Key}
		},
	})
}

// RecordBloodDonation is sent by a verified hospital on behalf of donor.
func (g *Gateway) RecordBloodDonation(ctx context.Context, donor common.Address, group model.BloodGroup) (Receipt, error) {
	if err := g.validGroup(OpRecordBloodDonation, group); err != nil {
		return Receipt{}, err
	}
	hospital, _ := g.source.Binding().Account()
	return g.submit(ctx, submission{
		op:     OpRecordBloodDonation,
		method: "recordBloodDonation",
		args:   []interface{}{donor, group.String()},
		provisional: model.DonationRecord{
			Donor:        donor,
			Hospital:     hospital,
			BloodGroup:   group,
			PointsEarned: model.PointsPerDonation,
		},
		staged: []projection.Key{projection.DonationHistory(donor).Key},
		affected: func(sender common.Address) []projection.Key {
			return []projection.Key{
				projection.HospitalInventory(sender).Key,
				projection.DonationHistory(donor).Key,
				projection.RewardPoints(donor).Key,
			}
		},
	})
}

func (g *Gateway) RequestBlood(ctx context.Context, group model.BloodGroup) (Receipt, error) {
	if err := g.validGroup(OpRequestBlood, group); err != nil {
		return Receipt{}, err
	}
	recipient, _ := g.source.Binding().Account()
	return g.submit(ctx, submission{
		op:     OpRequestBlood,
		method: "requestBlood",
		args:   []interface{}{group.String()},
		provisional: model.BloodRequest{
			Recipient:  recipient,
			BloodGroup: group,
			Status:     model.RequestStatusPending,
		},
		staged: []projection.Key{
			projection.RecipientRequests(recipient).Key,
			projection.AllRequests().Key,
		},
		affected: func(sender common.Address) []projection.Key {
			return []projection.Key{
				projection.AllRequests().Key,
				{Kind: projection.KindPendingRequests},
				projection.RecipientRequests(sender).Key,
			}
		},
	})
}

// UpdateRequestStatus is sent by a verified hospital. Fulfilling a request
// draws on that hospital's inventory.
func (g *Gateway) UpdateRequestStatus(ctx context.Context, id uint64, status model.RequestStatus) (Receipt, error) {
	if _, err := model.ParseRequestStatus(string(status)); err != nil {
		return Receipt{}, g.invalid(OpUpdateRequestStatus, err)
	}
	return g.submit(ctx, submission{
		op:     OpUpdateRequestStatus,
		method: "updateRequestStatus",
		args:   []interface{}{new(big.Int).SetUint64(id), string(status)},
		affected: func(sender common.Address) []projection.Key {
			return []projection.Key{
				projection.AllRequests().Key,
				{Kind: projection.KindPendingRequests},
				{Kind: projection.KindRecipientRequests},
				projection.HospitalInventory(sender).Key,
			}
		},
	})
}

func (g *Gateway) ScheduleDonation(ctx context.Context, hospital common.Address, at time.Time) (Receipt, error) {
	if at.Unix() <= 0 {
		return Receipt{}, g.invalid(OpScheduleDonation, fmt.Errorf("scheduled time %v is not after the epoch", at))
	}
	donor, _ := g.source.Binding().Account()
	return g.submit(ctx, submission{
		op:     OpScheduleDonation,
		method: "scheduleDonation",
		args:   []interface{}{hospital, big.NewInt(at.Unix())},
		provisional: model.DonationSchedule{
			Donor:         donor,
			Hospital:      hospital,
			ScheduledTime: model.EpochTime(at.Unix()),
			ScheduledDate: model.EpochDate(at.Unix()),
			Status:        model.ScheduleStatusScheduled,
		},
		staged: []projection.Key{projection.DonorSchedules(donor).Key},
		affected: func(sender common.Address) []projection.Key {
			return []projection.Key{projection.DonorSchedules(sender).Key}
		},
	})
}

func (g *Gateway) UpdateScheduleStatus(ctx context.Context, id uint64, status model.ScheduleStatus) (Receipt, error) {
	if _, err := model.ParseScheduleStatus(string(status)); err != nil {
		return Receipt{}, g.invalid(OpUpdateScheduleStatus, err)
	}
	return g.submit(ctx, submission{
		op:     OpUpdateScheduleStatus,
		method: "updateScheduleStatus",
		args:   []interface{}{new(big.Int).SetUint64(id), string(status)},
		affected: func(common.Address) []projection.Key {
			// The schedule's donor is not known from its id alone.
			return []projection.Key{{Kind: projection.KindDonorSchedules}}
		},
	})
}

func (g *Gateway) VerifyHospital(ctx context.Context, hospital common.Address) (Receipt, error) {
	return g.setVerification(ctx, OpVerifyHospital, "verifyHospital", hospital)
}

func (g *Gateway) BlockHospital(ctx context.Context, hospital common.Address) (Receipt, error) {
	return g.setVerification(ctx, OpBlockHospital, "blockHospital", hospital)
}

func (g *Gateway) setVerification(ctx context.Context, op Op, method string, hospital common.Address) (Receipt, error) {
	return g.submit(ctx, submission{
		op:     op,
		method: method,
		args:   []interface{}{hospital},
		affected: func(common.Address) []projection.Key {
			return []projection.Key{{Kind: projection.KindHospitalDirectory}}
		},
		after: func() { g.views.ForgetHospital(hospital) },
	})
}

func (g *Gateway) validGroup(op Op, group model.BloodGroup) error {
	if group.Valid() {
		return nil
	}
	return g.invalid(op, fmt.Errorf("unknown blood group %q", group))
}

// invalid rejects input before anything reaches the ledger.
func (g *Gateway) invalid(op Op, err error) error {
	err = fmt.Errorf("%s: %w", op, errors.Join(ledgererr.ErrInvalidArgument, err))
	metrics.WriteSubmissionsTotal.WithLabelValues(string(op), "invalid_argument").Inc()
	g.errs.Fail(op.Slot(), err)
	return err
}

func parseBlock(hex string) (uint64, error) {
	n, err := rpc.ParseHexInt64(hex)
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}
