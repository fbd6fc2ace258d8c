package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"netlab/pkg/bgpd"
	"netlab/pkg/model"
	"netlab/pkg/runtime"
	"netlab/pkg/store"
	"netlab/pkg/topology"
	"netlab/pkg/version"
)

func main() {
	op := flag.String("op", "", "operation: standup|stop|teardown|reset|activate|status|diagnose|fix")
	topo := flag.String("topology", "", "topology name")
	node := flag.String("node", "", "node name (diagnose/fix)")
	peer := flag.String("peer", "", "tunnel peer node name (diagnose/fix)")
	journalPath := flag.String("journal", "", "sqlite journal path (empty: default, \"off\": disabled)")
	apiTimeout := flag.Duration("api-timeout", 5*time.Second, "daemon management API timeout")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Build)
		return
	}
	if *op == "" || *topo == "" {
		flag.Usage()
		os.Exit(2)
	}

	st, err := store.NewFromEnv()
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	rt, err := runtime.NewDocker()
	if err != nil {
		log.Fatalf("docker: %v", err)
	}

	var journal runtime.Journal = runtime.NopJournal{}
	if *journalPath != "off" {
		j, err := runtime.OpenJournal(*journalPath)
		if err != nil {
			log.Warnf("journal disabled: %v", err)
		} else {
			defer j.Close()
			journal = j
		}
	}

	orch := topology.New(rt, st, bgpd.New(*apiTimeout), journal)
	ctx := context.Background()

	var out any
	switch *op {
	case "standup":
		out, err = orch.Standup(ctx, *topo)
	case "stop":
		out, err = orch.Stop(ctx, *topo)
	case "teardown":
		out, err = orch.Teardown(ctx, *topo)
	case "reset":
		out, err = orch.Reset(ctx, *topo)
	case "activate":
		out, err = orch.Activate(ctx, *topo)
	case "status":
		out, err = orch.Status(ctx, *topo)
	case "diagnose", "fix":
		out, err = tunnelOp(ctx, orch, st, *op, *topo, *node, *peer)
	default:
		log.Fatalf("unknown operation %q", *op)
	}
	if err != nil {
		log.Fatalf("%s %s: %v", *op, *topo, err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatalf("encode result: %v", err)
	}
}

func tunnelOp(ctx context.Context, orch *topology.Orchestrator, st store.Store, op, topo, node, peer string) (any, error) {
	if node == "" || peer == "" {
		return nil, fmt.Errorf("%s requires -node and -peer", op)
	}
	tun, ok, err := st.GetTunnel(topo, node, peer)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.NotFoundf("tunnel %s-%s in topology %s", node, peer, topo)
	}
	if op == "fix" {
		return orch.Tunnels().Fix(ctx, node, tun)
	}
	return orch.Tunnels().Diagnose(ctx, node, tun)
}
