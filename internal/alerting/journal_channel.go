package alerting

// Journal persists alerts for later listing.
type Journal interface {
	Save(alert Alert) error
}

type JournalChannel struct {
	journal Journal
	tiers   []string
}

func NewJournalChannel(journal Journal, tiers []string) *JournalChannel {
	return &JournalChannel{journal: journal, tiers: tiers}
}

func (j *JournalChannel) Name() string { return "store" }

func (j *JournalChannel) Send(alert Alert) error {
	if !tierAllowed(j.tiers, alert.Tier) {
		return nil
	}
	return j.journal.Save(alert)
}
