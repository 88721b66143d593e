package zeta

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"sync/atomic"
	"testing"
)

const testPikachu = `{
  "id": 25,
  "name": "pikachu",
  "height": 4,
  "weight": 60,
  "types": [{"slot": 1, "type": {"name": "electric"}}],
  "abilities": [{"ability": {"name": "static"}}, {"ability": {"name": "lightning-rod"}}],
  "stats": [{"base_stat": 35, "stat": {"name": "hp"}}, {"base_stat": 90, "stat": {"name": "speed"}}],
  "sprites": {"other": {"official-artwork": {"front_default": "https://example.com/25.png"}}}
}`

const testPikachuSpecies = `{
  "flavor_text_entries": [
    {"flavor_text": "Quand plusieurs\nde ces POKéMON", "language": {"name": "fr"}},
    {"flavor_text": "When several of\nthese POKéMON gather,\fits electricity", "language": {"name": "en"}}
  ],
  "evolves_from_species": {"name": "pichu"},
  "growth_rate": {"name": "medium"},
  "is_legendary": false,
  "is_mythical": false
}`

func TestParsePokemon(t *testing.T) {
	t.Parallel()
	p := parsePokemon([]byte(testPikachu))
	assert.Equal(t, int64(25), p.ID)
	assert.Equal(t, "pikachu", p.Name)
	assert.Equal(t, []string{"electric"}, p.Types)
	assert.Equal(t, []string{"static", "lightning-rod"}, p.Abilities)
	assert.Equal(t, []PokemonStat{{Name: "hp", Base: 35}, {Name: "speed", Base: 90}}, p.Stats)
	assert.Equal(t, "https://example.com/25.png", p.Artwork)

	p.applySpecies([]byte(testPikachuSpecies))
	assert.Equal(t, "When several of these POKéMON gather, its electricity", p.FlavorText)
	assert.Equal(t, "pichu", p.EvolvesFrom)
	assert.Equal(t, "medium", p.GrowthRate)
	assert.False(t, p.Legendary)
}

func TestNormalizePokemonName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "mr-mime", normalizePokemonName("  Mr   Mime "))
	assert.Equal(t, "pikachu", normalizePokemonName("PIKACHU"))
	assert.Equal(t, "Tapu Lele", titleName("tapu-lele"))
}

func TestSuggestPokemon(t *testing.T) {
	t.Parallel()
	names := []string{"bulbasaur", "charmander", "charmeleon", "charizard", "pikachu"}
	suggestions := suggestPokemon("charmnder", names, 5)
	require.NotEmpty(t, suggestions)
	assert.Equal(t, "charmander", suggestions[0])
	assert.NotContains(t, suggestions, "pikachu")

	assert.Len(t, suggestPokemon("char", names, 2), 2)
	assert.Empty(t, suggestPokemon("zzz", names, 5))
}

func TestPokedexEmbed(t *testing.T) {
	t.Parallel()
	p := parsePokemon([]byte(testPikachu))
	p.applySpecies([]byte(testPikachuSpecies))
	p.Legendary = true

	embed := pokedexEmbed(p)
	assert.Equal(t, "#025 Pikachu", embed.Title)
	require.NotNil(t, embed.Thumbnail)
	fields := map[string]string{}
	for _, f := range embed.Fields {
		fields[f.Name] = f.Value
	}
	assert.Equal(t, "Electric", fields["Types"])
	assert.Equal(t, "Static, Lightning Rod", fields["Abilities"])
	assert.Equal(t, "0.4m / 6.0kg", fields["Height / Weight"])
	assert.Equal(t, "Pichu", fields["Evolves from"])
	assert.Equal(t, "Legendary", fields["Rarity"])
	assert.Contains(t, fields["Base stats"], "speed")
}

// pokeAPIHandler serves pikachu, and a name list that also has pichu
// and raichu. Every request is counted.
func pokeAPIHandler(requests *atomic.Int64) http.Handler {
	return http.HandlerFunc(
		func(rw http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			switch r.URL.Path {
			case "/api/v2/pokemon/pikachu":
				_, _ = rw.Write([]byte(testPikachu))
			case "/api/v2/pokemon-species/pikachu":
				_, _ = rw.Write([]byte(testPikachuSpecies))
			case "/api/v2/pokemon":
				_, _ = rw.Write(
					[]byte(`{"results":[{"name":"pichu"},{"name":"pikachu"},{"name":"raichu"}]}`),
				)
			default:
				rw.WriteHeader(http.StatusNotFound)
			}
		},
	)
}

func TestFetchPokemon(t *testing.T) {
	t.Parallel()
	var requests atomic.Int64
	w, _ := newTestWebClient(t, pokeAPIHandler(&requests))
	ctx := context.Background()

	p, err := w.FetchPokemon(ctx, "Pikachu")
	require.NoError(t, err)
	assert.Equal(t, "pikachu", p.Name)
	assert.Equal(t, "pichu", p.EvolvesFrom)
	assert.Equal(t, int64(2), requests.Load())

	// cached
	_, err = w.FetchPokemon(ctx, "pikachu")
	require.NoError(t, err)
	assert.Equal(t, int64(2), requests.Load())

	_, err = w.FetchPokemon(ctx, "agumon")
	assert.ErrorIs(t, err, ErrPokemonNotFound)
}

func TestFindPokemon(t *testing.T) {
	t.Parallel()
	var requests atomic.Int64
	w, _ := newTestWebClient(t, pokeAPIHandler(&requests))
	ctx := context.Background()

	p, suggestions, err := w.FindPokemon(ctx, "pikachu")
	require.NoError(t, err)
	assert.Equal(t, "pikachu", p.Name)
	assert.Empty(t, suggestions)

	p, _, err = w.FindPokemon(ctx, "pkachu")
	require.NoError(t, err)
	assert.Equal(t, "pikachu", p.Name)

	_, _, err = w.FindPokemon(ctx, "zzzz")
	assert.ErrorIs(t, err, ErrPokemonNotFound)
}

func TestPokedexCommand(t *testing.T) {
	z, session := newTestZeta(t)
	var requests atomic.Int64
	z.web, _ = newTestWebClient(t, pokeAPIHandler(&requests))
	ctx := context.Background()
	seedMember(t, z, "1")

	z.handleMessageCreate(ctx, newTestMessage("1", ".dex pikachu"))
	msg := session.waitForMessage(t)
	require.NotNil(t, msg.Embed)
	assert.Equal(t, "#025 Pikachu", msg.Embed.Title)
	assert.Nil(t, msg.Embed.Footer)

	z.handleMessageCreate(ctx, newTestMessage("1", ".pokedex pkachu"))
	msg = session.waitForMessage(t)
	require.NotNil(t, msg.Embed)
	require.NotNil(t, msg.Embed.Footer)
	assert.Contains(t, msg.Embed.Footer.Text, "Showing results for pikachu")

	z.handleMessageCreate(ctx, newTestMessage("1", ".pokedex zzzz"))
	msg = session.waitForMessage(t)
	assert.Equal(t, "Couldn't find a pokemon named `zzzz`", msg.Content)
}
