package models

import "time"

// IpUsageRecord is the faucet history for one source IP.
type IpUsageRecord struct {
	IP        string    `json:"ip" db:"ip"`
	Count     int       `json:"count" db:"invoke_count"`
	LastUsed  time.Time `json:"last_used" db:"last_used"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
}

func NewIpUsageRecord(ip string, count int, lastUsed, expiresAt time.Time) (*IpUsageRecord, error) {
	if ip == "" {
		return nil, ErrEmptyIP
	}
	if count < 0 {
		return nil, ErrNegativeCount
	}
	return &IpUsageRecord{
		IP:        ip,
		Count:     count,
		LastUsed:  lastUsed.Truncate(time.Millisecond),
		ExpiresAt: expiresAt.Truncate(time.Millisecond),
	}, nil
}

// TTL is the remaining retention of the record at now, never negative.
func (r *IpUsageRecord) TTL(now time.Time) time.Duration {
	if d := r.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
