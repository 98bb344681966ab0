/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package verto

// CauseCode is a Q.850-style hangup cause carried by BYE
type CauseCode int

const (
	CauseUnallocatedNumber       CauseCode = 1
	CauseNormalClearing          CauseCode = 16
	CauseUserBusy                CauseCode = 17
	CauseCallRejected            CauseCode = 21
	CauseNormalTemporaryFailure  CauseCode = 41
	CauseIncompatibleDestination CauseCode = 88
	CauseMandatoryIEMissing      CauseCode = 96
	CauseRecoveryOnTimerExpire   CauseCode = 102
	CauseOriginatorCancel        CauseCode = 487
	CauseAllottedTimeout         CauseCode = 602
	CauseInvalidGateway          CauseCode = 608
)

var causeNames = map[CauseCode]string{
	CauseUnallocatedNumber:       "UNALLOCATED_NUMBER",
	CauseNormalClearing:          "NORMAL_CLEARING",
	CauseUserBusy:                "USER_BUSY",
	CauseCallRejected:            "CALL_REJECTED",
	CauseNormalTemporaryFailure:  "NORMAL_TEMPORARY_FAILURE",
	CauseIncompatibleDestination: "INCOMPATIBLE_DESTINATION",
	CauseMandatoryIEMissing:      "MANDATORY_IE_MISSING",
	CauseRecoveryOnTimerExpire:   "RECOVERY_ON_TIMER_EXPIRE",
	CauseOriginatorCancel:        "ORIGINATOR_CANCEL",
	CauseAllottedTimeout:         "ALLOTTED_TIMEOUT",
	CauseInvalidGateway:          "INVALID_GATEWAY",
}

// String returns the cause name, or "UNKNOWN" for codes outside the
// catalogue.
func (c CauseCode) String() string {
	if name, ok := causeNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// CauseCodeFromName looks a cause up by name.
func CauseCodeFromName(name string) (CauseCode, bool) {
	for code, n := range causeNames {
		if n == name {
			return code, true
		}
	}
	return 0, false
}
