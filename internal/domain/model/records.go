package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PointsPerDonation is the reward credited for every recorded donation.
const PointsPerDonation = 10

// DonationEvent is one BloodDonated log entry.
type DonationEvent struct {
	Donor          common.Address
	Hospital       common.Address
	BloodGroup     BloodGroup
	BlockNumber    uint64
	BlockTimestamp int64
	TxHash         common.Hash
}

// DonationRecord is the donor-facing history row derived from a DonationEvent.
type DonationRecord struct {
	ID           string         `json:"id"`
	Donor        common.Address `json:"donor"`
	Hospital     common.Address `json:"hospital"`
	BloodGroup   BloodGroup     `json:"bloodGroup"`
	Date         string         `json:"date"`
	Timestamp    int64          `json:"timestamp"`
	PointsEarned int            `json:"pointsEarned"`
}

// BloodRequest mirrors bloodRequests(id). Hospital is the zero address until a hospital acts on it.
type BloodRequest struct {
	ID          uint64         `json:"id"`
	Recipient   common.Address `json:"recipient"`
	BloodGroup  BloodGroup     `json:"bloodGroup"`
	Status      RequestStatus  `json:"status"`
	Hospital    common.Address `json:"hospital"`
	RequestTime int64          `json:"requestTime"`
	Date        string         `json:"date"`
}

// HasHospital reports whether a hospital has been assigned.
func (r BloodRequest) HasHospital() bool {
	return r.Hospital != (common.Address{})
}

type DonationSchedule struct {
	ID            uint64         `json:"id"`
	Donor         common.Address `json:"donor"`
	Hospital      common.Address `json:"hospital"`
	HospitalName  string         `json:"hospitalName"`
	ScheduledTime time.Time      `json:"scheduledTime"`
	ScheduledDate string         `json:"scheduledDate"`
	Status        ScheduleStatus `json:"status"`
}

type HospitalRecord struct {
	Address    common.Address `json:"address"`
	Name       string         `json:"name"`
	Location   string         `json:"location"`
	IsVerified bool           `json:"isVerified"`
}

type RewardBalance struct {
	Address common.Address `json:"address"`
	Points  uint64         `json:"points"`
}

type InventoryItem struct {
	BloodGroup BloodGroup `json:"bloodGroup"`
	Quantity   uint64     `json:"quantity"`
}

// DonorInfo is the getDonorInfo tuple.
type DonorInfo struct {
	BloodGroup       BloodGroup
	TotalDonations   uint64
	RewardPoints     uint64
	LastDonationTime int64
	IsRegistered     bool
}
