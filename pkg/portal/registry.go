package portal

import (
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
)

// adapterConstructors is the closed set of known bridge families. Configured
// sources whose slug is missing here are recorded as inactive at startup
// instead of failing at query time.
var adapterConstructors = map[string]func(*dbutil.Database) Adapter{
	"telegram":   NewTelegramAdapter,
	"whatsapp":   NewWhatsAppAdapter,
	"discord":    NewDiscordAdapter,
	"googlechat": NewGoogleChatAdapter,
	"max":        NewMaxAdapter,
	"gmessages":  NewMegabridgeAdapter("gmessages"),
	"facebook":   NewMegabridgeAdapter("facebook"),
	"instagram":  NewMegabridgeAdapter("instagram"),
	"twitter":    NewMegabridgeAdapter("twitter"),
	"gvoice":     NewMegabridgeAdapter("gvoice"),
}

// Source is one configured bridge database connection.
type Source struct {
	Slug string
	DB   *dbutil.Database
}

// Registry holds the adapters instantiated at process start. Enumeration
// order is the configuration order, which also fixes the merge order of the
// resolution engine.
type Registry struct {
	adapters map[string]Adapter
	order    []string
	inactive []string
}

func NewRegistry(log zerolog.Logger, sources []Source) *Registry {
	reg := &Registry{
		adapters: make(map[string]Adapter, len(sources)),
	}
	for _, src := range sources {
		construct, ok := adapterConstructors[src.Slug]
		if !ok || src.DB == nil {
			log.Warn().Str("source", src.Slug).
				Msg("No adapter for configured source, its rooms will show without type info")
			reg.inactive = append(reg.inactive, src.Slug)
			continue
		}
		reg.adapters[src.Slug] = construct(src.DB)
		reg.order = append(reg.order, src.Slug)
		log.Info().Str("source", src.Slug).Msg("Registered bridge adapter")
	}
	return reg
}

// Get returns the adapter for a slug, or nil if the source is not active.
func (reg *Registry) Get(slug string) Adapter {
	return reg.adapters[slug]
}

// Adapters returns all active adapters in enumeration order.
func (reg *Registry) Adapters() []Adapter {
	out := make([]Adapter, 0, len(reg.order))
	for _, slug := range reg.order {
		out = append(out, reg.adapters[slug])
	}
	return out
}

// ActiveSlugs returns the slugs of all active adapters in enumeration order.
func (reg *Registry) ActiveSlugs() []string {
	out := make([]string, len(reg.order))
	copy(out, reg.order)
	return out
}

// InactiveSlugs returns configured slugs that did not produce an adapter.
func (reg *Registry) InactiveSlugs() []string {
	return reg.inactive
}
