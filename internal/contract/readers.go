package contract

import (
	"context"
	"fmt"
	"math/big"

	"github.com/emperorhan/blood-ledger/internal/domain/model"
	"github.com/ethereum/go-ethereum/common"
)

// HospitalRegistration is one HospitalRegistered log entry.
type HospitalRegistration struct {
	Hospital    common.Address
	Name        string
	BlockNumber uint64
}

// HospitalInfo is the hospitals(address) tuple.
type HospitalInfo struct {
	Name         string
	Location     string
	IsVerified   bool
	IsRegistered bool
}

func (b *Binding) RequestCount(ctx context.Context) (uint64, error) {
	out, err := b.Call(ctx, "requestCount")
	if err != nil {
		return 0, err
	}
	n, err := outUint(out, 0)
	if err != nil {
		return 0, fmt.Errorf("requestCount: %w", err)
	}
	return n, nil
}

func (b *Binding) BloodRequest(ctx context.Context, id uint64) (model.BloodRequest, error) {
	out, err := b.Call(ctx, "bloodRequests", new(big.Int).SetUint64(id))
	if err != nil {
		return model.BloodRequest{}, err
	}
	if len(out) != 5 {
		return model.BloodRequest{}, fmt.Errorf("bloodRequests(%d): %d outputs", id, len(out))
	}
	recipient, ok1 := out[0].(common.Address)
	group, ok2 := out[1].(string)
	status, ok3 := out[2].(string)
	hospital, ok4 := out[3].(common.Address)
	requestTime, err := outUint(out, 4)
	if !ok1 || !ok2 || !ok3 || !ok4 || err != nil {
		return model.BloodRequest{}, fmt.Errorf("bloodRequests(%d): unexpected output types", id)
	}
	return model.BloodRequest{
		ID:          id,
		Recipient:   recipient,
		BloodGroup:  model.BloodGroup(group),
		Status:      model.RequestStatus(status),
		Hospital:    hospital,
		RequestTime: int64(requestTime),
		Date:        model.EpochDate(int64(requestTime)),
	}, nil
}

func (b *Binding) DonorInfo(ctx context.Context, donor common.Address) (model.DonorInfo, error) {
	out, err := b.Call(ctx, "getDonorInfo", donor)
	if err != nil {
		return model.DonorInfo{}, err
	}
	if len(out) != 5 {
		return model.DonorInfo{}, fmt.Errorf("getDonorInfo: %d outputs", len(out))
	}
	group, ok1 := out[0].(string)
	registered, ok2 := out[4].(bool)
	total, err1 := outUint(out, 1)
	points, err2 := outUint(out, 2)
	last, err3 := outUint(out, 3)
	if !ok1 || !ok2 || err1 != nil || err2 != nil || err3 != nil {
		return model.DonorInfo{}, fmt.Errorf("getDonorInfo: unexpected output types")
	}
	return model.DonorInfo{
		BloodGroup:       model.BloodGroup(group),
		TotalDonations:   total,
		RewardPoints:     points,
		LastDonationTime: int64(last),
		IsRegistered:     registered,
	}, nil
}

func (b *Binding) HospitalInventory(ctx context.Context, hospital common.Address, group model.BloodGroup) (uint64, error) {
	out, err := b.Call(ctx, "getHospitalInventory", hospital, group.String())
	if err != nil {
		return 0, err
	}
	n, err := outUint(out, 0)
	if err != nil {
		return 0, fmt.Errorf("getHospitalInventory(%s): %w", group, err)
	}
	return n, nil
}

func (b *Binding) DonorScheduleIDs(ctx context.Context, donor common.Address) ([]uint64, error) {
	out, err := b.Call(ctx, "getDonorSchedules", donor)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("getDonorSchedules: %d outputs", len(out))
	}
	raw, ok := out[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("getDonorSchedules: unexpected output type %T", out[0])
	}
	ids := make([]uint64, len(raw))
	for i, v := range raw {
		if !v.IsUint64() {
			return nil, fmt.Errorf("getDonorSchedules: id %s overflows uint64", v)
		}
		ids[i] = v.Uint64()
	}
	return ids, nil
}

// ScheduleDetails returns the schedule without its hospital name.
func (b *Binding) ScheduleDetails(ctx context.Context, id uint64) (model.DonationSchedule, error) {
	out, err := b.Call(ctx, "getScheduleDetails", new(big.Int).SetUint64(id))
	if err != nil {
		return model.DonationSchedule{}, err
	}
	if len(out) != 4 {
		return model.DonationSchedule{}, fmt.Errorf("getScheduleDetails(%d): %d outputs", id, len(out))
	}
	donor, ok1 := out[0].(common.Address)
	hospital, ok2 := out[1].(common.Address)
	status, ok3 := out[3].(string)
	scheduled, err := outUint(out, 2)
	if !ok1 || !ok2 || !ok3 || err != nil {
		return model.DonationSchedule{}, fmt.Errorf("getScheduleDetails(%d): unexpected output types", id)
	}
	return model.DonationSchedule{
		ID:            id,
		Donor:         donor,
		Hospital:      hospital,
		ScheduledTime: model.EpochTime(int64(scheduled)),
		ScheduledDate: model.EpochDate(int64(scheduled)),
		Status:        model.ScheduleStatus(status),
	}, nil
}

func (b *Binding) Hospital(ctx context.Context, hospital common.Address) (HospitalInfo, error) {
	out, err := b.Call(ctx, "hospitals", hospital)
	if err != nil {
		return HospitalInfo{}, err
	}
	if len(out) != 4 {
		return HospitalInfo{}, fmt.Errorf("hospitals: %d outputs", len(out))
	}
	name, ok1 := out[0].(string)
	location, ok2 := out[1].(string)
	verified, ok3 := out[2].(bool)
	registered, ok4 := out[3].(bool)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return HospitalInfo{}, fmt.Errorf("hospitals: unexpected output types")
	}
	return HospitalInfo{Name: name, Location: location, IsVerified: verified, IsRegistered: registered}, nil
}

// DonationEvents returns BloodDonated logs. A nil donor matches every donor.
func (b *Binding) DonationEvents(ctx context.Context, donor *common.Address) ([]model.DonationEvent, error) {
	var query interface{}
	if donor != nil {
		query = *donor
	}
	events, err := b.FilterLogs(ctx, EventBloodDonated, query)
	if err != nil {
		return nil, err
	}
	out := make([]model.DonationEvent, 0, len(events))
	for _, ev := range events {
		d, ok1 := ev.Fields["donor"].(common.Address)
		h, ok2 := ev.Fields["hospital"].(common.Address)
		g, ok3 := ev.Fields["bloodGroup"].(string)
		if !ok1 || !ok2 || !ok3 {
			return nil, fmt.Errorf("BloodDonated in tx %s: unexpected field types", ev.TxHash.Hex())
		}
		out = append(out, model.DonationEvent{
			Donor:          d,
			Hospital:       h,
			BloodGroup:     model.BloodGroup(g),
			BlockNumber:    ev.BlockNumber,
			BlockTimestamp: ev.BlockTimestamp,
			TxHash:         ev.TxHash,
		})
	}
	return out, nil
}

func (b *Binding) HospitalRegistrations(ctx context.Context) ([]HospitalRegistration, error) {
	events, err := b.FilterLogs(ctx, EventHospitalRegistered)
	if err != nil {
		return nil, err
	}
	out := make([]HospitalRegistration, 0, len(events))
	for _, ev := range events {
		h, ok1 := ev.Fields["hospital"].(common.Address)
		name, ok2 := ev.Fields["name"].(string)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("HospitalRegistered in tx %s: unexpected field types", ev.TxHash.Hex())
		}
		out = append(out, HospitalRegistration{Hospital: h, Name: name, BlockNumber: ev.BlockNumber})
	}
	return out, nil
}

func outUint(out []interface{}, i int) (uint64, error) {
	if i >= len(out) {
		return 0, fmt.Errorf("missing output %d", i)
	}
	v, ok := out[i].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("output %d: unexpected type %T", i, out[i])
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("output %d: %s overflows uint64", i, v)
	}
	return v.Uint64(), nil
}
