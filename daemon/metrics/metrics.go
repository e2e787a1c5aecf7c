// Package metrics defines the daemon's prometheus metrics under the
// "pkd" namespace.
package metrics

import (
	"net/http"

	gometrics "github.com/docker/go-metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ns = gometrics.NewNamespace("pkd", "", nil)

	// UploadsReceived counts accepted uploads by detected format.
	UploadsReceived = ns.NewLabeledCounter("uploads_received", "The number of accepted uploads", "format")

	// DuplicateUploads counts rejected duplicate uploads.
	DuplicateUploads = ns.NewCounter("uploads_duplicate", "The number of uploads rejected as duplicates")

	// CertificatesParsed counts certificates extracted by parsers.
	CertificatesParsed = ns.NewLabeledCounter("certificates_parsed", "The number of certificates extracted from uploads", "source")

	// CertificatesValidated counts validation outcomes.
	CertificatesValidated = ns.NewLabeledCounter("certificates_validated", "The number of certificates validated", "type", "outcome")

	// LDAPAdds counts batch add outcomes.
	LDAPAdds = ns.NewLabeledCounter("ldap_adds", "The number of LDAP add operations", "outcome")

	// ParseTimer measures whole-file parse duration.
	ParseTimer = ns.NewTimer("parse_duration", "The time taken to parse an uploaded file")

	// BatchTimer measures one interleaved DB+LDAP batch.
	BatchTimer = ns.NewTimer("batch_duration", "The time taken for one DB and LDAP batch")

	// PassiveAuthTimer measures one passive authentication request.
	PassiveAuthTimer = ns.NewTimer("passive_auth_duration", "The time taken to verify an SOD")
)

func init() {
	gometrics.Register(ns)
}

// Handler returns the prometheus scrape handler. Scrape errors are
// reported in the payload rather than failing the whole scrape.
func Handler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}
