package zeta

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/sahilm/fuzzy"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
	"net/http"
	"net/url"
	"strings"
)

const (
	pokemonListLimit  = 100000
	pokemonSuggestMax = 5
)

var ErrPokemonNotFound = errors.New("pokemon not found")

type PokemonStat struct {
	Name string
	Base int64
}

// Pokemon holds the PokeAPI pokemon and species data shown by the pokedex
type Pokemon struct {
	ID          int64
	Name        string
	Types       []string
	Abilities   []string
	Stats       []PokemonStat
	Artwork     string
	Height      int64
	Weight      int64
	FlavorText  string
	EvolvesFrom string
	GrowthRate  string
	Legendary   bool
	Mythical    bool
}

// parsePokemon reads a /pokemon/{name} response
func parsePokemon(body []byte) *Pokemon {
	data := gjson.ParseBytes(body)
	names := func(path, key string) []string {
		return lo.Map(
			data.Get(path).Array(), func(r gjson.Result, _ int) string {
				return r.Get(key).String()
			},
		)
	}
	return &Pokemon{
		ID:        data.Get("id").Int(),
		Name:      data.Get("name").String(),
		Types:     names("types", "type.name"),
		Abilities: names("abilities", "ability.name"),
		Stats: lo.Map(
			data.Get("stats").Array(), func(r gjson.Result, _ int) PokemonStat {
				return PokemonStat{Name: r.Get("stat.name").String(), Base: r.Get("base_stat").Int()}
			},
		),
		Artwork: data.Get(`sprites.other.official-artwork.front_default`).String(),
		Height:  data.Get("height").Int(),
		Weight:  data.Get("weight").Int(),
	}
}

// applySpecies adds /pokemon-species/{name} data to p. Only English
// flavor text is used.
func (p *Pokemon) applySpecies(body []byte) {
	data := gjson.ParseBytes(body)
	for _, entry := range data.Get("flavor_text_entries").Array() {
		if entry.Get("language.name").String() == "en" {
			p.FlavorText = strings.Join(strings.Fields(entry.Get("flavor_text").String()), " ")
			break
		}
	}
	p.EvolvesFrom = data.Get("evolves_from_species.name").String()
	p.GrowthRate = data.Get("growth_rate.name").String()
	p.Legendary = data.Get("is_legendary").Bool()
	p.Mythical = data.Get("is_mythical").Bool()
}

// normalizePokemonName converts user input to PokeAPI's naming,
// ex: "Mr Mime" -> "mr-mime"
func normalizePokemonName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "-")
}

func (w *WebClient) pokeAPIURL(parts ...string) string {
	escaped := lo.Map(
		parts, func(p string, _ int) string {
			return url.PathEscape(p)
		},
	)
	return strings.TrimSuffix(w.config.PokeAPIURL, "/") + "/" + strings.Join(escaped, "/")
}

// FetchPokemon returns the pokemon with the exact (normalized) name,
// or [ErrPokemonNotFound]. Results are cached.
func (w *WebClient) FetchPokemon(ctx context.Context, name string) (*Pokemon, error) {
	name = normalizePokemonName(name)
	w.mu.Lock()
	cached, ok := w.pokemon[name]
	w.mu.Unlock()
	if ok {
		return cached, nil
	}

	body, err := w.GetJSON(ctx, w.pokeAPIURL("pokemon", name))
	if err != nil {
		if isHTTPStatus(err, http.StatusNotFound) {
			return nil, ErrPokemonNotFound
		}
		return nil, err
	}
	p := parsePokemon(body)

	speciesBody, err := w.GetJSON(ctx, w.pokeAPIURL("pokemon-species", p.Name))
	switch {
	case err == nil:
		p.applySpecies(speciesBody)
	case !isHTTPStatus(err, http.StatusNotFound):
		return nil, err
	}

	w.mu.Lock()
	w.pokemon[name] = p
	w.mu.Unlock()
	return p, nil
}

// PokemonNames returns every pokemon name known to PokeAPI, fetched on
// first use
func (w *WebClient) PokemonNames(ctx context.Context) ([]string, error) {
	w.mu.Lock()
	names := w.pokemonNames
	w.mu.Unlock()
	if names != nil {
		return names, nil
	}

	body, err := w.GetJSON(ctx, w.pokeAPIURL("pokemon")+fmt.Sprintf("?limit=%d", pokemonListLimit))
	if err != nil {
		return nil, fmt.Errorf("error listing pokemon: %w", err)
	}
	names = lo.Map(
		gjson.GetBytes(body, "results").Array(), func(r gjson.Result, _ int) string {
			return r.Get("name").String()
		},
	)

	w.mu.Lock()
	w.pokemonNames = names
	w.mu.Unlock()
	return names, nil
}

// suggestPokemon returns the names that fuzzy-match query, best first
func suggestPokemon(query string, names []string, limit int) []string {
	matches := fuzzy.Find(normalizePokemonName(query), names)
	suggestions := lo.Map(
		matches, func(m fuzzy.Match, _ int) string {
			return m.Str
		},
	)
	if len(suggestions) > limit {
		suggestions = suggestions[:limit]
	}
	return suggestions
}

// FindPokemon looks up query by exact name first. If there's no such
// pokemon, the best fuzzy match is fetched instead, and the remaining
// matches are returned as suggestions.
func (w *WebClient) FindPokemon(ctx context.Context, query string) (
	p *Pokemon,
	suggestions []string,
	err error,
) {
	p, err = w.FetchPokemon(ctx, query)
	if !errors.Is(err, ErrPokemonNotFound) {
		return p, nil, err
	}

	names, err := w.PokemonNames(ctx)
	if err != nil {
		return nil, nil, err
	}
	suggestions = suggestPokemon(query, names, pokemonSuggestMax)
	if len(suggestions) == 0 {
		return nil, nil, ErrPokemonNotFound
	}
	p, err = w.FetchPokemon(ctx, suggestions[0])
	if err != nil {
		return nil, suggestions[1:], err
	}
	return p, suggestions[1:], nil
}

func titleName(s string) string {
	words := strings.Split(s, "-")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

func pokedexEmbed(p *Pokemon) *discordgo.MessageEmbed {
	stats := lo.Map(
		p.Stats, func(s PokemonStat, _ int) string {
			return fmt.Sprintf("%-16s%d", s.Name, s.Base)
		},
	)
	fields := []*discordgo.MessageEmbedField{
		{Name: "Types", Value: strings.Join(lo.Map(p.Types, func(t string, _ int) string { return titleName(t) }), ", "), Inline: true},
		{Name: "Abilities", Value: strings.Join(lo.Map(p.Abilities, func(a string, _ int) string { return titleName(a) }), ", "), Inline: true},
		{Name: "Height / Weight", Value: fmt.Sprintf("%.1fm / %.1fkg", float64(p.Height)/10, float64(p.Weight)/10), Inline: true},
	}
	if p.EvolvesFrom != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Evolves from", Value: titleName(p.EvolvesFrom), Inline: true})
	}
	if p.GrowthRate != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Growth rate", Value: titleName(p.GrowthRate), Inline: true})
	}
	switch {
	case p.Mythical:
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Rarity", Value: "Mythical", Inline: true})
	case p.Legendary:
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Rarity", Value: "Legendary", Inline: true})
	}
	if len(stats) > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Base stats", Value: "```\n" + strings.Join(stats, "\n") + "\n```"})
	}

	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("#%03d %s", p.ID, titleName(p.Name)),
		Description: p.FlavorText,
		Color:       colorRed,
		Fields:      fields,
	}
	if p.Artwork != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: p.Artwork}
	}
	return embed
}

func runPokedex(ctx context.Context, c *CommandContext) error {
	query, err := c.RequireRest(0, "pokemon")
	if err != nil {
		return err
	}
	p, suggestions, err := c.Web.FindPokemon(ctx, query)
	if errors.Is(err, ErrPokemonNotFound) {
		_, err = c.Replyf("Couldn't find a pokemon named `%s`", query)
		return err
	}
	if err != nil {
		return err
	}

	embed := pokedexEmbed(p)
	if normalizePokemonName(query) != p.Name {
		text := "Showing results for " + p.Name
		if len(suggestions) > 0 {
			text += ". Did you mean: " + strings.Join(suggestions, ", ")
		}
		embed.Footer = &discordgo.MessageEmbedFooter{Text: text}
	}
	_, err = c.ReplyEmbed(embed)
	return err
}
