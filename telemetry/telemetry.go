// Package telemetry exports transport-core occupancy and radio samples as
// InfluxDB time series, the way aghman-gotooth/main.go's radioAPI writes one
// point per scanned device. It is wired in as an optional collaborator
// (acldata.Channel.SetTelemetry, le/scanner.Scanner.SetTelemetry,
// command.Channel.SetTelemetry): every §4 operation in spec.md keeps working
// with telemetry disabled.
package telemetry

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Exporter writes occupancy and radio samples to an InfluxDB bucket using a
// blocking write API, mirroring aghman-gotooth's radioAPI.WritePoint calls.
type Exporter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	hostname string
}

// New opens an InfluxDB client against url/token and returns an Exporter
// that writes into org/bucket, labeling every point with hostname.
func New(url, token, org, bucket, hostname string) *Exporter {
	client := influxdb2.NewClient(url, token)
	return &Exporter{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		hostname: hostname,
	}
}

// Close releases the underlying InfluxDB client.
func (e *Exporter) Close() { e.client.Close() }

// CreditWindowSample records the Command Channel's current credit window
// (spec.md §4.1) — the number of HCI commands the controller can currently
// accept.
func (e *Exporter) CreditWindowSample(window int) {
	p := influxdb2.NewPoint("hci_credit_window",
		map[string]string{"host": e.hostname},
		map[string]interface{}{"window": window},
		time.Now())
	e.writeAPI.WritePoint(context.Background(), p)
}

// ACLBufferSample records one link type's controller-buffer occupancy after
// a scheduling pass (spec.md §4.2).
func (e *Exporter) ACLBufferSample(linkType string, inFlight, capacity int) {
	p := influxdb2.NewPoint("hci_acl_buffer",
		map[string]string{"host": e.hostname, "link_type": linkType},
		map[string]interface{}{"in_flight": inFlight, "capacity": capacity},
		time.Now())
	e.writeAPI.WritePoint(context.Background(), p)
}

// RSSISample records one scan result's signal strength, the way
// aghman-gotooth writes a "device" point per ScanResult.
func (e *Exporter) RSSISample(addr string, rssi int8) {
	p := influxdb2.NewPoint("hci_scan_rssi",
		map[string]string{"host": e.hostname, "address": addr},
		map[string]interface{}{"rssi": rssi},
		time.Now())
	e.writeAPI.WritePoint(context.Background(), p)
}
