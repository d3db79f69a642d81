package netwatch

import (
	"slices"
)

type routeKey struct {
	family int
	metric int
}

// defaultRoutes tracks default routes per link and derives network events
// from their changes. The default network is the link whose default route
// has the lowest metric.
type defaultRoutes struct {
	exclude []string
	routes  map[string][]routeKey
	current string
}

func newDefaultRoutes(exclude []string) *defaultRoutes {
	return &defaultRoutes{exclude: exclude, routes: make(map[string][]routeKey)}
}

func (d *defaultRoutes) add(link string, family, metric int) []Event {
	if link == "" || slices.Contains(d.exclude, link) {
		return nil
	}
	key := routeKey{family: family, metric: metric}
	if slices.Contains(d.routes[link], key) {
		return nil
	}
	var events []Event
	if len(d.routes[link]) == 0 {
		events = append(events, Event{Kind: NetworkAvailable, Network: link})
	}
	d.routes[link] = append(d.routes[link], key)
	return append(events, d.reselect()...)
}

func (d *defaultRoutes) remove(link string, family, metric int) []Event {
	keys := d.routes[link]
	i := slices.Index(keys, routeKey{family: family, metric: metric})
	if i < 0 {
		return nil
	}
	keys = slices.Delete(keys, i, i+1)

	var events []Event
	if len(keys) == 0 {
		delete(d.routes, link)
		events = append(events, Event{Kind: NetworkLost, Network: link})
	} else {
		d.routes[link] = keys
	}
	return append(events, d.reselect()...)
}

// sync reports the current default network, changed or not.
func (d *defaultRoutes) sync() []Event {
	d.current = d.best()
	return []Event{{Kind: DefaultNetworkChanged, Network: d.current}}
}

func (d *defaultRoutes) reselect() []Event {
	best := d.best()
	if best == d.current {
		return nil
	}
	d.current = best
	return []Event{{Kind: DefaultNetworkChanged, Network: best}}
}

func (d *defaultRoutes) best() string {
	best, bestMetric := "", 0
	for link, keys := range d.routes {
		m := keys[0].metric
		for _, k := range keys[1:] {
			m = min(m, k.metric)
		}
		if best == "" || m < bestMetric || (m == bestMetric && link < best) {
			best, bestMetric = link, m
		}
	}
	return best
}

func emitAll(emit func(Event), events []Event) {
	for _, ev := range events {
		emit(ev)
	}
}
