package models

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}

func TestRequestStatusValid(t *testing.T) {
	for _, status := range []RequestStatus{StatusPending, StatusApproved, StatusDeclined, StatusChangesRequested} {
		assert.True(t, status.Valid())
	}

	assert.False(t, RequestStatus("XX").Valid())
	assert.False(t, RequestStatus("").Valid())
}

func TestActiveOn(t *testing.T) {
	today := "2024-06-15"

	tests := []struct {
		name     string
		request  AllocationRequest
		expected bool
	}{
		{
			name:     "in window",
			request:  AllocationRequest{Status: StatusApproved, Active: nullString("2024-01-01"), Expire: nullString("2024-12-01")},
			expected: true,
		},
		{
			name:     "never expires",
			request:  AllocationRequest{Status: StatusApproved, Active: nullString("2024-01-01")},
			expected: true,
		},
		{
			name:     "starts today",
			request:  AllocationRequest{Status: StatusApproved, Active: nullString("2024-06-15"), Expire: nullString("2024-12-01")},
			expected: true,
		},
		{
			name:     "expires today",
			request:  AllocationRequest{Status: StatusApproved, Active: nullString("2024-01-01"), Expire: nullString("2024-06-15")},
			expected: false,
		},
		{
			name:     "not started",
			request:  AllocationRequest{Status: StatusApproved, Active: nullString("2024-07-01"), Expire: nullString("2024-12-01")},
			expected: false,
		},
		{
			name:     "no active date",
			request:  AllocationRequest{Status: StatusApproved, Expire: nullString("2024-12-01")},
			expected: false,
		},
		{
			name:     "pending review",
			request:  AllocationRequest{Status: StatusPending, Active: nullString("2024-01-01"), Expire: nullString("2024-12-01")},
			expected: false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, test.request.ActiveOn(today))
		})
	}
}

func TestExpiredOn(t *testing.T) {
	today := "2024-06-15"

	assert.True(t, AllocationRequest{Status: StatusApproved, Expire: nullString("2024-06-15")}.ExpiredOn(today))
	assert.True(t, AllocationRequest{Status: StatusApproved, Expire: nullString("2024-01-01")}.ExpiredOn(today))
	assert.False(t, AllocationRequest{Status: StatusApproved, Expire: nullString("2024-06-16")}.ExpiredOn(today))
	assert.False(t, AllocationRequest{Status: StatusApproved}.ExpiredOn(today))
	assert.False(t, AllocationRequest{Status: StatusDeclined, Expire: nullString("2024-01-01")}.ExpiredOn(today))
}

func TestToday(t *testing.T) {
	assert.Equal(t, "2024-06-15", Today(time.Date(2024, 6, 15, 23, 59, 0, 0, time.UTC)))
}
