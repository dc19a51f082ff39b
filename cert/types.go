package cert

import "time"

// CertStatus 证书状态
type CertStatus string

const (
	StatusActive  CertStatus = "active"
	StatusRevoked CertStatus = "revoked"
	StatusExpired CertStatus = "expired"
)

// CertInfo 证书信息，用于管理接口展示
type CertInfo struct {
	Fingerprint string     `json:"fingerprint"` // SHA256
	Subject     string     `json:"subject"`
	Issuer      string     `json:"issuer"`
	NotBefore   time.Time  `json:"not_before"`
	NotAfter    time.Time  `json:"not_after"`
	Status      CertStatus `json:"status"`
}
