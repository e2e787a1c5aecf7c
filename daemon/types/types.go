// Package types holds the entities and enumerations shared by the
// upload, parsing, validation and publication contexts.
package types

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ProcessingMode selects between a fully automatic pipeline and one
// where an operator confirms every stage.
type ProcessingMode string

const (
	ModeAuto   ProcessingMode = "AUTO"
	ModeManual ProcessingMode = "MANUAL"
)

// Valid reports whether m is a known mode.
func (m ProcessingMode) Valid() bool {
	return m == ModeAuto || m == ModeManual
}

// FileFormat is the detected format of an uploaded file.
type FileFormat string

const (
	FormatLDIF       FileFormat = "LDIF"
	FormatMasterList FileFormat = "MASTER_LIST"
)

// UploadStatus tracks an upload through the pipeline. The *_COMPLETED
// values are the pause points of MANUAL mode; AUTO mode passes through
// them without stopping. Transitions are monotonic except that any
// non-terminal state may move to FAILED.
type UploadStatus string

const (
	StatusReceived            UploadStatus = "RECEIVED"
	StatusParsing             UploadStatus = "PARSING"
	StatusParsingCompleted    UploadStatus = "PARSING_COMPLETED"
	StatusValidating          UploadStatus = "VALIDATING"
	StatusValidationCompleted UploadStatus = "VALIDATION_COMPLETED"
	StatusPublishing          UploadStatus = "PUBLISHING"
	StatusCompleted           UploadStatus = "COMPLETED"
	StatusFailed              UploadStatus = "FAILED"
)

var statusRank = map[UploadStatus]int{
	StatusReceived:            0,
	StatusParsing:             1,
	StatusParsingCompleted:    2,
	StatusValidating:          3,
	StatusValidationCompleted: 4,
	StatusPublishing:          5,
	StatusCompleted:           6,
}

// CanAdvanceTo reports whether moving from s to next respects the
// monotonic state machine. FAILED is reachable from any non-terminal
// state and is itself terminal.
func (s UploadStatus) CanAdvanceTo(next UploadStatus) bool {
	if s == StatusFailed || s == StatusCompleted {
		return false
	}
	if next == StatusFailed {
		return true
	}
	cur, ok := statusRank[s]
	if !ok {
		return false
	}
	nxt, ok := statusRank[next]
	if !ok {
		return false
	}
	return nxt > cur
}

// DuplicateStatus is the outcome of the pre-upload duplicate check.
type DuplicateStatus string

const (
	DuplicateNone     DuplicateStatus = "NONE"
	DuplicateExact    DuplicateStatus = "EXACT"
	ChecksumMismatch  DuplicateStatus = "CHECKSUM_MISMATCH"
	DuplicateNewerVer DuplicateStatus = "NEWER_VERSION"
)

// CertificateType classifies trust material per ICAO 9303 Part 12.
type CertificateType string

const (
	TypeCSCA  CertificateType = "CSCA"
	TypeDSC   CertificateType = "DSC"
	TypeDSCNC CertificateType = "DSC_NC"
)

// SourceType records where a certificate row came from.
type SourceType string

const (
	SourceLDIF       SourceType = "LDIF"
	SourceMasterList SourceType = "MASTER_LIST"
)

// ValidationStatus is the per-certificate outcome of validation.
type ValidationStatus string

const (
	ValidationUnvalidated ValidationStatus = "UNVALIDATED"
	ValidationValid       ValidationStatus = "VALID"
	ValidationInvalid     ValidationStatus = "INVALID"
	ValidationExpired     ValidationStatus = "EXPIRED"
)

// Per-certificate validation error kinds. These accumulate on the row
// and never abort the batch.
const (
	ErrSelfSignFailed      = "SELF_SIGN_FAILED"
	ErrSignatureInvalid    = "SIGNATURE_INVALID"
	ErrIssuerNotFound      = "ISSUER_NOT_FOUND"
	ErrExpired             = "EXPIRED"
	ErrInvalidCAConstraint = "INVALID_CA_CONSTRAINTS"
	ErrInvalidKeyUsage     = "INVALID_KEY_USAGE"
	ErrRevoked             = "REVOKED"
	ErrNonConformantAttr   = "NON_CONFORMANT_ATTR"
)

// Upload-level warning kinds.
const (
	WarnUntrustedMasterListSigner = "MASTER_LIST_UNTRUSTED_SIGNER"
)

// UploadRecord is the aggregate root of one uploaded file. Records are
// historical and never deleted.
type UploadRecord struct {
	ID                 uuid.UUID      `db:"id" json:"id"`
	FileName           string         `db:"file_name" json:"fileName"`
	ByteSize           int64          `db:"byte_size" json:"byteSize"`
	ContentFingerprint string         `db:"file_hash" json:"fileHash"`
	DetectedFormat     FileFormat     `db:"detected_format" json:"detectedFormat"`
	ProcessingMode     ProcessingMode `db:"processing_mode" json:"processingMode"`
	ManualPauseStep    *string        `db:"manual_pause_step" json:"pausedAtStep,omitempty"`
	Status             UploadStatus   `db:"status" json:"status"`
	FailureMessage     *string        `db:"failure_message" json:"failureMessage,omitempty"`
	Warnings           pq.StringArray `db:"warnings" json:"warnings,omitempty"`
	CreatedAt          time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time      `db:"updated_at" json:"updatedAt"`
}

// Certificate is one persisted X.509 certificate. The issuing CSCA of a
// DSC is referenced by DN only; the chain is reconstructed on demand.
type Certificate struct {
	ID               uuid.UUID        `db:"id"`
	UploadID         uuid.UUID        `db:"upload_id"`
	Type             CertificateType  `db:"type"`
	SourceType       SourceType       `db:"source_type"`
	SubjectDN        string           `db:"subject_dn"`
	IssuerDN         string           `db:"issuer_dn"`
	SerialNumber     string           `db:"serial_number"`
	SubjectCountry   string           `db:"subject_country"`
	IssuerCountry    string           `db:"issuer_country"`
	NotBefore        time.Time        `db:"not_before"`
	NotAfter         time.Time        `db:"not_after"`
	FingerprintSHA256 string          `db:"fingerprint_sha256"`
	RawDER           []byte           `db:"raw_der"`
	ValidationStatus ValidationStatus `db:"validation_status"`
	ValidationErrors pq.StringArray   `db:"validation_errors"`
	UploadedToLDAP   bool             `db:"uploaded_to_ldap"`
	CreatedAt        time.Time        `db:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at"`
}

// CRL is one persisted certificate revocation list.
type CRL struct {
	ID                uuid.UUID `db:"id"`
	UploadID          uuid.UUID `db:"upload_id"`
	IssuerName        string    `db:"issuer_name"`
	IssuerCountry     string    `db:"issuer_country"`
	ThisUpdate        time.Time `db:"this_update"`
	NextUpdate        time.Time `db:"next_update"`
	RevokedCount      int       `db:"revoked_count"`
	RawDER            []byte    `db:"raw_der"`
	FingerprintSHA256 string    `db:"fingerprint_sha256"`
	UploadedToLDAP    bool      `db:"uploaded_to_ldap"`
	CreatedAt         time.Time `db:"created_at"`
}

// MasterList is the signed CSCA container of a master list upload. The
// contained CSCAs are materialized as Certificate rows with
// SourceMasterList so they can be queried individually; only the
// envelope itself is ever published to LDAP.
type MasterList struct {
	ID                 uuid.UUID `db:"id"`
	UploadID           uuid.UUID `db:"upload_id"`
	SignerCountry      string    `db:"signer_country"`
	ContainedCSCACount int       `db:"contained_csca_count"`
	RawCMS             []byte    `db:"raw_cms"`
	UploadedToLDAP     bool      `db:"uploaded_to_ldap"`
	CreatedAt          time.Time `db:"created_at"`
}

// CertValue is the parser's in-memory representation of an extracted
// certificate. Nothing is persisted at parse time; validation turns
// these into Certificate rows.
type CertValue struct {
	Type       CertificateType
	SourceType SourceType
	DER        []byte
	EntryDN    string // LDIF entry DN when SourceLDIF, empty otherwise
}

// CRLValue is the parser's in-memory representation of an extracted CRL.
type CRLValue struct {
	DER     []byte
	EntryDN string
}

// ParseError records one malformed entry encountered while parsing. The
// pipeline fails only when nothing at all could be extracted.
type ParseError struct {
	EntryIndex int    `json:"entryIndex"`
	Reason     string `json:"reason"`
}

// ProcessingStatus is the status report of one upload's pipeline run.
type ProcessingStatus struct {
	UploadID       uuid.UUID      `json:"uploadId"`
	FileName       string         `json:"fileName"`
	Format         FileFormat     `json:"detectedFormat"`
	Mode           ProcessingMode `json:"processingMode"`
	Status         UploadStatus   `json:"status"`
	PausedAtStep   *string        `json:"pausedAtStep,omitempty"`
	FailureMessage *string        `json:"failureMessage,omitempty"`
	Warnings       []string       `json:"warnings,omitempty"`
	Counts         UploadCounts   `json:"counts"`
}

// UploadCounts summarizes what a pipeline run did; reported in status
// responses and progress updates.
type UploadCounts struct {
	Certificates   int `json:"certificates"`
	CRLs           int `json:"crls"`
	Valid          int `json:"valid"`
	Invalid        int `json:"invalid"`
	Expired        int `json:"expired"`
	UploadedToLDAP int `json:"uploadedToLdap"`
	SkippedLDAP    int `json:"skippedLdapDuplicates"`
	FailedLDAP     int `json:"failedLdap"`
}
