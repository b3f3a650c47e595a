package projection

import (
	"context"
	"fmt"
	"sort"

	"github.com/emperorhan/blood-ledger/internal/domain/model"
	"github.com/ethereum/go-ethereum/common"
)

// Plan reconstructs one view from the ledger.
type Plan[T any] func(ctx context.Context, env *Env) (T, error)

// Definition pairs a view key with the plan that builds it.
type Definition[T any] struct {
	Key  Key
	Plan Plan[T]
}

// DonationHistory lists donor's BloodDonated events, newest first, each
// worth PointsPerDonation.
func DonationHistory(donor common.Address) Definition[[]model.DonationRecord] {
	return Definition[[]model.DonationRecord]{
		Key: Key{Kind: KindDonationHistory, Subject: subject(donor)},
		Plan: func(ctx context.Context, env *Env) ([]model.DonationRecord, error) {
			events, err := env.Binding.DonationEvents(ctx, &donor)
			if err != nil {
				return nil, err
			}

			var unresolved []uint64
			for _, ev := range events {
				if ev.BlockTimestamp == 0 {
					unresolved = append(unresolved, ev.BlockNumber)
				}
			}
			var times map[uint64]int64
			if len(unresolved) > 0 {
				if times, err = env.BlockTimes(ctx, unresolved); err != nil {
					return nil, err
				}
			}

			records := make([]model.DonationRecord, 0, len(events))
			blocks := make(map[string]uint64, len(events))
			for _, ev := range events {
				if ev.Donor != donor {
					continue
				}
				ts := ev.BlockTimestamp
				if ts == 0 {
					ts = times[ev.BlockNumber]
				}
				id := ev.TxHash.Hex()
				blocks[id] = ev.BlockNumber
				records = append(records, model.DonationRecord{
					ID:           id,
					Donor:        ev.Donor,
					Hospital:     ev.Hospital,
					BloodGroup:   ev.BloodGroup,
					Date:         model.EpochDate(ts),
					Timestamp:    ts,
					PointsEarned: model.PointsPerDonation,
				})
			}
			sort.SliceStable(records, func(i, j int) bool {
				if records[i].Timestamp != records[j].Timestamp {
					return records[i].Timestamp > records[j].Timestamp
				}
				return blocks[records[i].ID] > blocks[records[j].ID]
			})
			return records, nil
		},
	}
}

func RewardPoints(donor common.Address) Definition[model.RewardBalance] {
	return Definition[model.RewardBalance]{
		Key: Key{Kind: KindRewardPoints, Subject: subject(donor)},
		Plan: func(ctx context.Context, env *Env) (model.RewardBalance, error) {
			info, err := env.Binding.DonorInfo(ctx, donor)
			if err != nil {
				return model.RewardBalance{}, err
			}
			return model.RewardBalance{Address: donor, Points: info.RewardPoints}, nil
		},
	}
}

// HospitalInventory reads one quantity per blood group and keeps the
// non-zero ones, in blood-group order.
func HospitalInventory(hospital common.Address) Definition[[]model.InventoryItem] {
	return Definition[[]model.InventoryItem]{
		Key: Key{Kind: KindHospitalInventory, Subject: subject(hospital)},
		Plan: func(ctx context.Context, env *Env) ([]model.InventoryItem, error) {
			quantities := make([]uint64, len(model.AllBloodGroups))
			g, gctx := env.group(ctx)
			for i, group := range model.AllBloodGroups {
				g.Go(func() error {
					n, err := env.Binding.HospitalInventory(gctx, hospital, group)
					if err != nil {
						return err
					}
					quantities[i] = n
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return nil, err
			}

			items := make([]model.InventoryItem, 0, len(quantities))
			for i, q := range quantities {
				if q > 0 {
					items = append(items, model.InventoryItem{BloodGroup: model.AllBloodGroups[i], Quantity: q})
				}
			}
			return items, nil
		},
	}
}

func AllRequests() Definition[[]model.BloodRequest] {
	return Definition[[]model.BloodRequest]{
		Key:  Key{Kind: KindAllRequests},
		Plan: scanRequests(func(model.BloodRequest) bool { return true }),
	}
}

// PendingRequests is a hospital's work queue: requests still PENDING plus
// those already handled by hospital.
func PendingRequests(hospital common.Address) Definition[[]model.BloodRequest] {
	return Definition[[]model.BloodRequest]{
		Key: Key{Kind: KindPendingRequests, Subject: subject(hospital)},
		Plan: scanRequests(func(r model.BloodRequest) bool {
			return r.Status == model.RequestStatusPending || r.Hospital == hospital
		}),
	}
}

func RecipientRequests(recipient common.Address) Definition[[]model.BloodRequest] {
	return Definition[[]model.BloodRequest]{
		Key: Key{Kind: KindRecipientRequests, Subject: subject(recipient)},
		Plan: scanRequests(func(r model.BloodRequest) bool {
			return r.Recipient == recipient
		}),
	}
}

// scanRequests reads requestCount and then every bloodRequests(id) from 0
// to count-1, keeping those accepted by keep, in id order.
func scanRequests(keep func(model.BloodRequest) bool) Plan[[]model.BloodRequest] {
	return func(ctx context.Context, env *Env) ([]model.BloodRequest, error) {
		count, err := env.Binding.RequestCount(ctx)
		if err != nil {
			return nil, err
		}

		all := make([]model.BloodRequest, count)
		g, gctx := env.group(ctx)
		for id := uint64(0); id < count; id++ {
			g.Go(func() error {
				r, err := env.Binding.BloodRequest(gctx, id)
				if err != nil {
					return err
				}
				all[id] = r
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		out := make([]model.BloodRequest, 0, len(all))
		for _, r := range all {
			if keep(r) {
				out = append(out, r)
			}
		}
		return out, nil
	}
}

// HospitalDirectory lists registered hospitals from the registration log,
// reading each hospital's current record. Any failed lookup fails the view.
func HospitalDirectory(verifiedOnly bool) Definition[[]model.HospitalRecord] {
	subj := "all"
	if verifiedOnly {
		subj = "verified"
	}
	return Definition[[]model.HospitalRecord]{
		Key: Key{Kind: KindHospitalDirectory, Subject: subj},
		Plan: func(ctx context.Context, env *Env) ([]model.HospitalRecord, error) {
			regs, err := env.Binding.HospitalRegistrations(ctx)
			if err != nil {
				return nil, err
			}

			seen := make(map[common.Address]bool, len(regs))
			var order []common.Address
			names := make(map[common.Address]string, len(regs))
			for _, reg := range regs {
				if seen[reg.Hospital] {
					continue
				}
				seen[reg.Hospital] = true
				order = append(order, reg.Hospital)
				names[reg.Hospital] = reg.Name
			}

			records := make([]model.HospitalRecord, len(order))
			g, gctx := env.group(ctx)
			for i, addr := range order {
				g.Go(func() error {
					info, err := env.Binding.Hospital(gctx, addr)
					if err != nil {
						// Verification status only comes from this lookup, so a
						// placeholder row could list a blocked hospital as verified.
						return fmt.Errorf("hospital %s: %w", addr.Hex(), err)
					}
					env.b.hospitals.Put(addr, info)
					name := info.Name
					if name == "" {
						name = names[addr]
					}
					records[i] = model.HospitalRecord{
						Address:    addr,
						Name:       name,
						Location:   info.Location,
						IsVerified: info.IsVerified,
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return nil, err
			}

			if !verifiedOnly {
				return records, nil
			}
			verified := make([]model.HospitalRecord, 0, len(records))
			for _, r := range records {
				if r.IsVerified {
					verified = append(verified, r)
				}
			}
			return verified, nil
		},
	}
}

// DonorSchedules reads the donor's schedule ids, each schedule, and each
// schedule's hospital name. A failed name lookup falls back to the short
// address rather than failing the view.
func DonorSchedules(donor common.Address) Definition[[]model.DonationSchedule] {
	return Definition[[]model.DonationSchedule]{
		Key: Key{Kind: KindDonorSchedules, Subject: subject(donor)},
		Plan: func(ctx context.Context, env *Env) ([]model.DonationSchedule, error) {
			ids, err := env.Binding.DonorScheduleIDs(ctx, donor)
			if err != nil {
				return nil, err
			}

			schedules := make([]model.DonationSchedule, len(ids))
			g, gctx := env.group(ctx)
			for i, id := range ids {
				g.Go(func() error {
					s, err := env.Binding.ScheduleDetails(gctx, id)
					if err != nil {
						return err
					}
					info, err := env.Hospital(gctx, s.Hospital)
					if err != nil || info.Name == "" {
						env.b.logger.Debug("hospital name lookup failed", "hospital", s.Hospital.Hex(), "error", err)
						s.HospitalName = fallbackHospitalName(s.Hospital)
					} else {
						s.HospitalName = info.Name
					}
					schedules[i] = s
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return nil, err
			}
			return schedules, nil
		},
	}
}

func fallbackHospitalName(addr common.Address) string {
	return "Hospital (" + model.ShortAddress(addr) + ")"
}
