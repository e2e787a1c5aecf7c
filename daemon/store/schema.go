package store

// schema is applied at startup; every statement is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS uploaded_file (
	id                UUID PRIMARY KEY,
	file_name         TEXT NOT NULL,
	byte_size         BIGINT NOT NULL,
	file_hash         TEXT NOT NULL,
	detected_format   TEXT NOT NULL,
	processing_mode   TEXT NOT NULL,
	manual_pause_step TEXT,
	status            TEXT NOT NULL,
	failure_message   TEXT,
	warnings          TEXT[] NOT NULL DEFAULT '{}',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS uploaded_file_hash_live
	ON uploaded_file (file_hash) WHERE status <> 'FAILED';

CREATE TABLE IF NOT EXISTS certificate (
	id                 UUID PRIMARY KEY,
	upload_id          UUID NOT NULL REFERENCES uploaded_file (id),
	type               TEXT NOT NULL,
	source_type        TEXT NOT NULL,
	subject_dn         TEXT NOT NULL,
	issuer_dn          TEXT NOT NULL,
	serial_number      TEXT NOT NULL,
	subject_country    TEXT NOT NULL DEFAULT '',
	issuer_country     TEXT NOT NULL DEFAULT '',
	not_before         TIMESTAMPTZ NOT NULL,
	not_after          TIMESTAMPTZ NOT NULL,
	fingerprint_sha256 TEXT NOT NULL UNIQUE,
	raw_der            BYTEA NOT NULL,
	validation_status  TEXT NOT NULL DEFAULT 'UNVALIDATED',
	validation_errors  TEXT[] NOT NULL DEFAULT '{}',
	uploaded_to_ldap   BOOLEAN NOT NULL DEFAULT FALSE,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS certificate_country_type ON certificate (subject_country, type);
CREATE INDEX IF NOT EXISTS certificate_issuer ON certificate (issuer_dn);
CREATE INDEX IF NOT EXISTS certificate_upload ON certificate (upload_id);

CREATE TABLE IF NOT EXISTS certificate_revocation_list (
	id                 UUID PRIMARY KEY,
	upload_id          UUID NOT NULL REFERENCES uploaded_file (id),
	issuer_name        TEXT NOT NULL,
	issuer_country     TEXT NOT NULL DEFAULT '',
	this_update        TIMESTAMPTZ NOT NULL,
	next_update        TIMESTAMPTZ NOT NULL,
	revoked_count      INTEGER NOT NULL DEFAULT 0,
	raw_der            BYTEA NOT NULL,
	fingerprint_sha256 TEXT NOT NULL UNIQUE,
	uploaded_to_ldap   BOOLEAN NOT NULL DEFAULT FALSE,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS master_list (
	id                   UUID PRIMARY KEY,
	upload_id            UUID NOT NULL REFERENCES uploaded_file (id),
	signer_country       TEXT NOT NULL,
	contained_csca_count INTEGER NOT NULL,
	raw_cms              BYTEA NOT NULL,
	uploaded_to_ldap     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
