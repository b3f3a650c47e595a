package model

import (
	"fmt"
	"strings"
)

type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "PENDING"
	RequestStatusFulfilled RequestStatus = "FULFILLED"
	RequestStatusRejected  RequestStatus = "REJECTED"
)

func (s RequestStatus) String() string {
	return string(s)
}

func ParseRequestStatus(raw string) (RequestStatus, error) {
	s := RequestStatus(strings.ToUpper(strings.TrimSpace(raw)))
	switch s {
	case RequestStatusPending, RequestStatusFulfilled, RequestStatusRejected:
		return s, nil
	default:
		return "", fmt.Errorf("unknown request status %q", raw)
	}
}

type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "SCHEDULED"
	ScheduleStatusCompleted ScheduleStatus = "COMPLETED"
	ScheduleStatusCancelled ScheduleStatus = "CANCELLED"
)

func (s ScheduleStatus) String() string {
	return string(s)
}

func ParseScheduleStatus(raw string) (ScheduleStatus, error) {
	s := ScheduleStatus(strings.ToUpper(strings.TrimSpace(raw)))
	switch s {
	case ScheduleStatusScheduled, ScheduleStatusCompleted, ScheduleStatusCancelled:
		return s, nil
	default:
		return "", fmt.Errorf("unknown schedule status %q", raw)
	}
}
