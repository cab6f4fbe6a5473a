package graph

import "github.com/targoy-qti/audioreach-graphservices-sub004/internal/signal"

// NotifySSR posts FlagSSR to every signal this instance owns and forces the
// graph into ERROR: every outstanding waiter wakes, and subsequent
// commands fail ESUBSYSRESET except Close. Wired to the ssstate tracker's
// callback by initfacade.
func (g *Graph) NotifySSR() {
	for _, sig := range g.signals {
		sig.Set(signal.FlagSSR, 0, nil)
	}
	if g.readEP != nil {
		g.readEP.sig.Set(signal.FlagSSR, 0, nil)
	}
	if g.writeEP != nil {
		g.writeEP.sig.Set(signal.FlagSSR, 0, nil)
	}
	g.setState(Error)
}
