package store

import (
	"encoding/json"
	"sort"

	"netlab/pkg/model"
)

// kv is the primitive every backend provides. Documents are JSON; update is
// an atomic read-modify-write used for the allocation counter.
type kv interface {
	put(key string, doc []byte) error
	get(key string) ([]byte, bool, error)
	list(prefix string) (map[string][]byte, error)
	del(key string) error
	update(key string, fn func([]byte) ([]byte, error)) error
}

// docStore implements Store on top of any kv backend.
type docStore struct {
	kv kv
}

func putJSON(k kv, key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return k.put(key, b)
}

func getJSON(k kv, key string, v interface{}) (bool, error) {
	b, ok, err := k.get(key)
	if err != nil || !ok {
		return false, err
	}
	return true, json.Unmarshal(b, v)
}

func (d *docStore) UpsertTopology(t model.Topology) error {
	return putJSON(d.kv, topoPrefix+t.Name, t)
}

func (d *docStore) GetTopology(name string) (model.Topology, bool, error) {
	var t model.Topology
	ok, err := getJSON(d.kv, topoPrefix+name, &t)
	return t, ok, err
}

func (d *docStore) ListTopologies() ([]model.Topology, error) {
	docs, err := d.kv.list(topoPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]model.Topology, 0, len(docs))
	for _, b := range docs {
		var t model.Topology
		if err := json.Unmarshal(b, &t); err == nil {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d *docStore) DeleteTopology(name string) error {
	return d.kv.del(topoPrefix + name)
}

func (d *docStore) SetActive(name string) error {
	all, err := d.ListTopologies()
	if err != nil {
		return err
	}
	if name != "" {
		found := false
		for _, t := range all {
			if t.Name == name {
				found = true
			}
		}
		if !found {
			return model.NotFoundf("topology %s", name)
		}
	}
	for _, t := range all {
		want := t.Name == name
		if t.Active == want {
			continue
		}
		if err := d.kv.update(topoPrefix+t.Name, func(b []byte) ([]byte, error) {
			var cur model.Topology
			if err := json.Unmarshal(b, &cur); err != nil {
				return nil, err
			}
			cur.Active = want
			return json.Marshal(cur)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (d *docStore) NextCounter(topology string) (int, error) {
	var next int
	err := d.kv.update(topoPrefix+topology, func(b []byte) ([]byte, error) {
		if b == nil {
			return nil, model.NotFoundf("topology %s", topology)
		}
		var t model.Topology
		if err := json.Unmarshal(b, &t); err != nil {
			return nil, err
		}
		t.Counter++
		next = t.Counter
		return json.Marshal(t)
	})
	return next, err
}

func (d *docStore) UpsertNode(n model.Node) error {
	if err := n.Validate(); err != nil {
		return err
	}
	return putJSON(d.kv, nodePrefix+n.Topology+"/"+n.Name, n)
}

func (d *docStore) GetNode(topology, name string) (model.Node, bool, error) {
	var n model.Node
	ok, err := getJSON(d.kv, nodePrefix+topology+"/"+name, &n)
	return n, ok, err
}

func (d *docStore) ListNodes(topology string) ([]model.Node, error) {
	docs, err := d.kv.list(nodePrefix + topology + "/")
	if err != nil {
		return nil, err
	}
	out := make([]model.Node, 0, len(docs))
	for _, b := range docs {
		var n model.Node
		if err := json.Unmarshal(b, &n); err == nil {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d *docStore) DeleteNode(topology, name string) error {
	return d.kv.del(nodePrefix + topology + "/" + name)
}

func (d *docStore) UpsertNetwork(n model.Network) error {
	return putJSON(d.kv, netPrefix+n.Topology+"/"+n.Name, n)
}

func (d *docStore) GetNetwork(topology, name string) (model.Network, bool, error) {
	var n model.Network
	ok, err := getJSON(d.kv, netPrefix+topology+"/"+name, &n)
	return n, ok, err
}

func (d *docStore) ListNetworks(topology string) ([]model.Network, error) {
	docs, err := d.kv.list(netPrefix + topology + "/")
	if err != nil {
		return nil, err
	}
	out := make([]model.Network, 0, len(docs))
	for _, b := range docs {
		var n model.Network
		if err := json.Unmarshal(b, &n); err == nil {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d *docStore) DeleteNetwork(topology, name string) error {
	return d.kv.del(netPrefix + topology + "/" + name)
}

func (d *docStore) UpsertAttachment(a model.Attachment) error {
	return putJSON(d.kv, attPrefix+a.Topology+"/"+a.Node+"/"+a.Network, a)
}

func (d *docStore) GetAttachment(topology, node, network string) (model.Attachment, bool, error) {
	var a model.Attachment
	ok, err := getJSON(d.kv, attPrefix+topology+"/"+node+"/"+network, &a)
	return a, ok, err
}

func (d *docStore) ListAttachments(topology, node string) ([]model.Attachment, error) {
	prefix := attPrefix + topology + "/"
	if node != "" {
		prefix += node + "/"
	}
	docs, err := d.kv.list(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]model.Attachment, 0, len(docs))
	for _, b := range docs {
		var a model.Attachment
		if err := json.Unmarshal(b, &a); err == nil {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Node != out[j].Node {
			return out[i].Node < out[j].Node
		}
		return out[i].Network < out[j].Network
	})
	return out, nil
}

func (d *docStore) DeleteAttachment(topology, node, network string) error {
	return d.kv.del(attPrefix + topology + "/" + node + "/" + network)
}

func (d *docStore) UpsertTunnel(t model.Tunnel) error {
	t.Normalize()
	return putJSON(d.kv, tunPrefix+t.Topology+"/"+t.Container1+"/"+t.Container2, t)
}

func (d *docStore) GetTunnel(topology, containerA, containerB string) (model.Tunnel, bool, error) {
	probe := model.Tunnel{Container1: containerA, Container2: containerB}
	probe.Normalize()
	var t model.Tunnel
	ok, err := getJSON(d.kv, tunPrefix+topology+"/"+probe.Container1+"/"+probe.Container2, &t)
	return t, ok, err
}

func (d *docStore) ListTunnels(topology string) ([]model.Tunnel, error) {
	docs, err := d.kv.list(tunPrefix + topology + "/")
	if err != nil {
		return nil, err
	}
	out := make([]model.Tunnel, 0, len(docs))
	for _, b := range docs {
		var t model.Tunnel
		if err := json.Unmarshal(b, &t); err == nil {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Container1 != out[j].Container1 {
			return out[i].Container1 < out[j].Container1
		}
		return out[i].Container2 < out[j].Container2
	})
	return out, nil
}

func (d *docStore) DeleteTunnel(topology, containerA, containerB string) error {
	probe := model.Tunnel{Container1: containerA, Container2: containerB}
	probe.Normalize()
	return d.kv.del(tunPrefix + topology + "/" + probe.Container1 + "/" + probe.Container2)
}

func (d *docStore) UpsertSession(s model.BGPSession) error {
	s.Normalize()
	return putJSON(d.kv, sessPrefix+s.Topology+"/"+s.IP1+"/"+s.IP2, s)
}

func (d *docStore) GetSession(topology, ipA, ipB string) (model.BGPSession, bool, error) {
	probe := model.BGPSession{IP1: ipA, IP2: ipB}
	probe.Normalize()
	var s model.BGPSession
	ok, err := getJSON(d.kv, sessPrefix+topology+"/"+probe.IP1+"/"+probe.IP2, &s)
	return s, ok, err
}

func (d *docStore) ListSessions(topology string) ([]model.BGPSession, error) {
	docs, err := d.kv.list(sessPrefix + topology + "/")
	if err != nil {
		return nil, err
	}
	out := make([]model.BGPSession, 0, len(docs))
	for _, b := range docs {
		var s model.BGPSession
		if err := json.Unmarshal(b, &s); err == nil {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IP1 != out[j].IP1 {
			return out[i].IP1 < out[j].IP1
		}
		return out[i].IP2 < out[j].IP2
	})
	return out, nil
}

func (d *docStore) DeleteSession(topology, ipA, ipB string) error {
	probe := model.BGPSession{IP1: ipA, IP2: ipB}
	probe.Normalize()
	return d.kv.del(sessPrefix + topology + "/" + probe.IP1 + "/" + probe.IP2)
}

func (d *docStore) UpsertAdvert(r model.RouteAdvertisement) error {
	return putJSON(d.kv, advertKey(r.Topology, r.Daemon, r.Prefix, r.Length), r)
}

func (d *docStore) ListAdverts(topology, daemon string) ([]model.RouteAdvertisement, error) {
	prefix := advPrefix + topology + "/"
	if daemon != "" {
		prefix += daemon + "/"
	}
	docs, err := d.kv.list(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]model.RouteAdvertisement, 0, len(docs))
	for _, b := range docs {
		var r model.RouteAdvertisement
		if err := json.Unmarshal(b, &r); err == nil {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Daemon != out[j].Daemon {
			return out[i].Daemon < out[j].Daemon
		}
		if out[i].Prefix != out[j].Prefix {
			return out[i].Prefix < out[j].Prefix
		}
		return out[i].Length < out[j].Length
	})
	return out, nil
}

func (d *docStore) DeleteAdvert(topology, daemon, prefix string, length int) error {
	return d.kv.del(advertKey(topology, daemon, prefix, length))
}

func (d *docStore) UpsertTap(t model.Tap) error {
	return putJSON(d.kv, tapPrefix+t.Topology+"/"+t.Node+"/"+t.Network, t)
}

func (d *docStore) GetTap(topology, node, network string) (model.Tap, bool, error) {
	var t model.Tap
	ok, err := getJSON(d.kv, tapPrefix+topology+"/"+node+"/"+network, &t)
	return t, ok, err
}

func (d *docStore) ListTaps(topology string) ([]model.Tap, error) {
	docs, err := d.kv.list(tapPrefix + topology + "/")
	if err != nil {
		return nil, err
	}
	out := make([]model.Tap, 0, len(docs))
	for _, b := range docs {
		var t model.Tap
		if err := json.Unmarshal(b, &t); err == nil {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Node != out[j].Node {
			return out[i].Node < out[j].Node
		}
		return out[i].Network < out[j].Network
	})
	return out, nil
}

func (d *docStore) DeleteTap(topology, node, network string) error {
	return d.kv.del(tapPrefix + topology + "/" + node + "/" + network)
}
