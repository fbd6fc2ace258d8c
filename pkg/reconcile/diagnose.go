package reconcile

import (
	"context"
	"fmt"

	"netlab/pkg/model"
	"netlab/pkg/runtime"
)

// Issue severities.
const (
	SeverityCritical = "CRITICAL"
	SeverityWarning  = "WARNING"
)

// Diagnosis statuses.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded" // warnings only
	StatusBroken   = "broken"   // at least one critical issue
)

// Known issue summaries. Fix keys its remediation menu on these.
const (
	issueMissing     = "tunnel interface missing"
	issueEndpoints   = "cannot determine tunnel endpoints"
	issueAdminDown   = "interface administratively down"
	issueNoCarrier   = "no carrier on tunnel interface"
	issueNoLocalAddr = "local endpoint address not present on any interface"
	issueNoRoute     = "no route to remote endpoint"
	issueUnreachable = "remote endpoint does not answer pings"
	issueNoTunnelIP  = "tunnel interface has no address"
)

// Issue is one finding of a tunnel diagnosis.
type Issue struct {
	Severity string `json:"severity"`
	Summary  string `json:"summary"`
	Detail   string `json:"detail,omitempty"`
}

// Diagnosis is the read-only health report of one tunnel side.
type Diagnosis struct {
	Node            string   `json:"node"`
	Interface       string   `json:"interface"`
	Issues          []Issue  `json:"issues,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Status          string   `json:"status"`
}

// FixReport shows the diagnosis before and after auto-remediation.
type FixReport struct {
	Before       Diagnosis `json:"before"`
	After        Diagnosis `json:"after"`
	FixesApplied []string  `json:"fixesApplied,omitempty"`
}

func (d *Diagnosis) add(severity, summary, detail string) {
	d.Issues = append(d.Issues, Issue{Severity: severity, Summary: summary, Detail: detail})
}

func (d *Diagnosis) recommend(r string) {
	d.Recommendations = append(d.Recommendations, r)
}

func (d *Diagnosis) finalize() {
	d.Status = StatusHealthy
	for _, i := range d.Issues {
		if i.Severity == SeverityCritical {
			d.Status = StatusBroken
			return
		}
		d.Status = StatusDegraded
	}
}

// Diagnose inspects one side of a tunnel without mutating anything. The
// checks run in dependency order and stop early when later checks cannot be
// meaningful (missing interface, unparseable endpoints).
func (r *TunnelReconciler) Diagnose(ctx context.Context, nodeName string, t model.Tunnel) (Diagnosis, error) {
	t.Normalize()
	node, ok, err := r.st.GetNode(t.Topology, nodeName)
	if err != nil {
		return Diagnosis{}, err
	}
	if !ok {
		return Diagnosis{}, model.NotFoundf("node %s", nodeName)
	}
	if node.Kind == model.KindExternal {
		return Diagnosis{}, model.Preconditionf("external node %s has no live tunnel state", nodeName)
	}
	container := node.ContainerName()
	iface := t.InterfaceName(nodeName)
	d := Diagnosis{Node: nodeName, Interface: iface}

	res, err := r.rt.Exec(ctx, container, runtime.LinkShowDetail(iface))
	if err != nil {
		return Diagnosis{}, err
	}
	if !res.OK() {
		d.add(SeverityCritical, issueMissing, res.Output)
		d.recommend("recreate the tunnel to restore the interface")
		d.finalize()
		return d, nil
	}

	local, remote, ok := runtime.ParseTunnelEndpoints(res.Output)
	if !ok {
		d.add(SeverityWarning, issueEndpoints, "tunnel parameters not present in link details")
		d.finalize()
		return d, nil
	}

	links := runtime.ParseLinkList(res.Output)
	if len(links) > 0 {
		if !links[0].AdminUp() {
			d.add(SeverityCritical, issueAdminDown, "")
			d.recommend("bring the interface up")
		} else if !links[0].CarrierUp() {
			d.add(SeverityWarning, issueNoCarrier, "interface is up but has no carrier")
		}
	}

	addrRes, err := r.rt.Exec(ctx, container, runtime.AddrList())
	if err != nil {
		return Diagnosis{}, err
	}
	addrs := runtime.ParseAddrList(addrRes.Output)

	localPresent := false
	tunnelHasAddr := false
	for _, a := range addrs {
		if a.IP() == local {
			localPresent = true
		}
		if a.Iface == iface {
			tunnelHasAddr = true
		}
	}
	if !localPresent {
		d.add(SeverityCritical, issueNoLocalAddr,
			fmt.Sprintf("%s cannot source encapsulated traffic from %s", container, local))
	}

	routeRes, err := r.rt.Exec(ctx, container, runtime.RouteGet(remote))
	if err != nil {
		return Diagnosis{}, err
	}
	if !routeRes.OK() {
		d.add(SeverityCritical, issueNoRoute, routeRes.Output)
	}

	pingRes, err := r.rt.Exec(ctx, container, runtime.Ping(remote))
	if err != nil {
		return Diagnosis{}, err
	}
	if !pingRes.OK() {
		d.add(SeverityWarning, issueUnreachable, fmt.Sprintf("no reply from %s", remote))
	}

	if !tunnelHasAddr {
		d.add(SeverityWarning, issueNoTunnelIP, "")
		d.recommend("re-add the configured tunnel address")
	}

	d.finalize()
	return d, nil
}

// Fix diagnoses, applies the remediation menu to every fixable issue, and
// re-diagnoses so the caller sees before and after.
func (r *TunnelReconciler) Fix(ctx context.Context, nodeName string, t model.Tunnel) (FixReport, error) {
	t.Normalize()
	before, err := r.Diagnose(ctx, nodeName, t)
	if err != nil {
		return FixReport{}, err
	}
	report := FixReport{Before: before}

	node, _, err := r.st.GetNode(t.Topology, nodeName)
	if err != nil {
		return report, err
	}
	container := node.ContainerName()
	iface := t.InterfaceName(nodeName)

	for _, issue := range before.Issues {
		switch issue.Summary {
		case issueAdminDown:
			res, err := r.rt.Exec(ctx, container, runtime.LinkUp(iface))
			if err != nil {
				return report, err
			}
			if res.OK() {
				report.FixesApplied = append(report.FixesApplied, "brought "+iface+" up")
			}
		case issueNoTunnelIP:
			addr := fmt.Sprintf("%s/%d", t.LocalIP(nodeName), t.PrefixLen)
			res, err := r.rt.Exec(ctx, container, runtime.AddrAdd(addr, iface))
			if err != nil {
				return report, err
			}
			if res.OK() || runtime.AddrAlreadyExists(res) {
				report.FixesApplied = append(report.FixesApplied, "re-added "+addr)
			}
		}
	}

	after, err := r.Diagnose(ctx, nodeName, t)
	if err != nil {
		return report, err
	}
	report.After = after
	return report, nil
}
