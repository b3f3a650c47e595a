package model

import (
	"fmt"
	"strings"
)

// BloodGroup is one of the eight ABO/Rh groups the ledger accepts.
type BloodGroup string

const (
	BloodGroupAPos  BloodGroup = "A+"
	BloodGroupANeg  BloodGroup = "A-"
	BloodGroupBPos  BloodGroup = "B+"
	BloodGroupBNeg  BloodGroup = "B-"
	BloodGroupABPos BloodGroup = "AB+"
	BloodGroupABNeg BloodGroup = "AB-"
	BloodGroupOPos  BloodGroup = "O+"
	BloodGroupONeg  BloodGroup = "O-"
)

// AllBloodGroups is the fixed enumeration, in the order inventory is read.
var AllBloodGroups = []BloodGroup{
	BloodGroupAPos,
	BloodGroupANeg,
	BloodGroupBPos,
	BloodGroupBNeg,
	BloodGroupABPos,
	BloodGroupABNeg,
	BloodGroupOPos,
	BloodGroupONeg,
}

func (g BloodGroup) String() string {
	return string(g)
}

func (g BloodGroup) Valid() bool {
	for _, known := range AllBloodGroups {
		if g == known {
			return true
		}
	}
	return false
}

// ParseBloodGroup accepts the canonical spelling with any casing and surrounding whitespace.
func ParseBloodGroup(raw string) (BloodGroup, error) {
	g := BloodGroup(strings.ToUpper(strings.TrimSpace(raw)))
	if !g.Valid() {
		return "", fmt.Errorf("unknown blood group %q", raw)
	}
	return g, nil
}
