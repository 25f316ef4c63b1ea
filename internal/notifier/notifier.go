// Package notifier dispatches user-facing notifications for mining
// milestones. The default implementation only logs; a desktop-toast
// implementation can be swapped in by anything that satisfies Notifier.
package notifier

import "github.com/sirupsen/logrus"

// Notifier is notified of drop claims and campaign completions.
type Notifier interface {
	NotifyDropClaimed(gameName, dropName string)
	NotifyCampaignComplete(gameName string)
}

// LoggingNotifier is the default Notifier: it turns every notification
// into a structured log line and nothing else. A desktop build can
// replace it with a toast-dispatching implementation without touching the
// Scheduler.
type LoggingNotifier struct {
	log *logrus.Entry
}

// NewLoggingNotifier builds the logging-only default Notifier.
func NewLoggingNotifier() *LoggingNotifier {
	return &LoggingNotifier{log: logrus.WithField("component", "notifier")}
}

func (n *LoggingNotifier) NotifyDropClaimed(gameName, dropName string) {
	n.log.WithFields(logrus.Fields{"game": gameName, "drop": dropName}).Info("drop claimed")
}

func (n *LoggingNotifier) NotifyCampaignComplete(gameName string) {
	n.log.WithField("game", gameName).Info("campaign complete")
}
