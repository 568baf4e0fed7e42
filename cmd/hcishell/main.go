// Command hcishell is a thin example driver wiring the transport core
// together against a platform DeviceWrapper: open the transport, bring up
// the LE procedure engines, and optionally expose bonding persistence,
// telemetry export, and a diagnostics websocket. It intentionally stays
// flag-parsed and logs to stderr rather than pulling in a CLI framework
// (see SPEC_FULL.md §B for why urfave/cli was not wired here).
package main

import (
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/btstack/hci/bondstore"
	"github.com/btstack/hci/diagnostics"
	"github.com/btstack/hci/hcidef"
	"github.com/btstack/hci/le/advertiser"
	"github.com/btstack/hci/le/conn"
	"github.com/btstack/hci/le/connector"
	"github.com/btstack/hci/le/scanner"
	"github.com/btstack/hci/sequence"
	"github.com/btstack/hci/telemetry"
	"github.com/btstack/hci/transport"
)

func main() {
	var (
		device       = flag.String("device", "hci0", "host controller device identifier")
		redisAddr    = flag.String("redis", "", "redis address for bonding persistence; empty disables it")
		influxURL    = flag.String("influx-url", "", "influxdb URL for telemetry export; empty disables it")
		influxToken  = flag.String("influx-token", "", "influxdb auth token")
		influxOrg    = flag.String("influx-org", "hci", "influxdb organization")
		influxBucket = flag.String("influx-bucket", "hci", "influxdb bucket")
		diagAddr     = flag.String("diag-addr", "", "address to serve the diagnostics websocket on; empty disables it")
	)
	flag.Parse()

	log := logrus.NewEntry(logrus.StandardLogger())
	log.WithField("device", *device).Info("starting hcishell")

	dev, err := openPlatformDevice(*device)
	if err != nil {
		log.WithError(err).Fatal("failed to open device")
	}

	tp, err := transport.Open(dev, log, 1)
	if err != nil {
		log.WithError(err).Fatal("failed to open transport")
	}
	tp.SetClosedCallback(func(err error) {
		log.WithError(err).Warn("transport closed")
	})

	connMgr := conn.NewManager(tp.CommandChannel, tp.ACLChannel, log)
	connr := connector.New(tp.CommandChannel, connMgr, localAddrDelegate{}, log)
	scan := scanner.New(tp.CommandChannel, localAddrDelegate{}, log)
	adv := advertiser.New(advertiser.FlavorLegacy, tp.CommandChannel, connMgr, 1, 31, log)
	_ = sequence.New(tp.CommandChannel, log) // available for ad hoc command chains
	_ = connr                                // held so a real driver can issue CreateConnection

	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		connMgr.SetBondStore(bondstore.New(rdb, ""))
		log.WithField("redis", *redisAddr).Info("bonding persistence enabled")
	}

	if *influxURL != "" {
		hostname, _ := os.Hostname()
		exp := telemetry.New(*influxURL, *influxToken, *influxOrg, *influxBucket, hostname)
		defer exp.Close()
		tp.CommandChannel.SetTelemetry(exp)
		tp.ACLChannel.SetTelemetry(exp)
		scan.SetTelemetry(exp)
		log.WithField("influx_url", *influxURL).Info("telemetry export enabled")
	}

	if *diagAddr != "" {
		snap := func() diagnostics.Snapshot {
			bredr := tp.ACLChannel.GetBufferInfo()
			le := tp.ACLChannel.GetLEBufferInfo()
			return diagnostics.Snapshot{
				Timestamp:   time.Now(),
				ACLBREDRMax: bredr.MaxNumPackets,
				ACLLEMax:    le.MaxNumPackets,
				Advertising: adv.IsAdvertising(),
				Scanning:    scan.IsScanning(),
			}
		}
		diagSrv := diagnostics.NewServer(snap, time.Second, log)
		stop := make(chan struct{})
		defer close(stop)
		go diagSrv.Run(stop)
		mux := http.NewServeMux()
		mux.HandleFunc("/diagnostics", diagSrv.ServeHTTP)
		go func() {
			log.WithField("addr", *diagAddr).Info("serving diagnostics websocket")
			if err := http.ListenAndServe(*diagAddr, mux); err != nil {
				log.WithError(err).Error("diagnostics server exited")
			}
		}()
	}

	<-tp.Done()
}

// localAddrDelegate is a placeholder LocalAddressDelegate; a real driver
// would resolve this from the platform's Bluetooth address store.
type localAddrDelegate struct{}

func (localAddrDelegate) EnsureLocalAddress(cb func(hcidef.Address)) {
	cb(hcidef.Address{})
}
