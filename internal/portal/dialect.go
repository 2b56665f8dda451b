package portal

import (
	"net/url"
	"strings"

	"github.com/snapetech/stbportal/internal/indexer"
)

// Template is one protocol dialect: where to authenticate, where the catalog lives,
// how to exchange a command for a stream link and what the catalog looks like.
// Paths are relative to the identity's base URL. Placeholders: {mac}, {cmd}, {id}.
type Template struct {
	Name        string
	AuthPath    string // empty: no handshake, the catalog path is probed directly
	CatalogPath string
	LinkPath    string // empty: commands are playable after normalization
	// StreamPattern synthesizes a command from a flat-list record's stream_id.
	StreamPattern string
	Dialect       indexer.Format
}

// HasAuth reports whether the dialect has a handshake step.
func (t Template) HasAuth() bool { return t.AuthPath != "" }

// HasLink reports whether commands must go through a link-creation call.
func (t Template) HasLink() bool { return t.LinkPath != "" }

// Vars are the placeholder values for Expand.
type Vars struct {
	MAC string
	Cmd string
	ID  string
}

// Expand fills {mac}, {cmd} and {id} in pattern. Values are path-escaped before the
// '?' and query-escaped after it.
func Expand(pattern string, v Vars) string {
	p, q, hasQuery := strings.Cut(pattern, "?")
	p = replacer(v, url.PathEscape).Replace(p)
	if !hasQuery {
		return p
	}
	return p + "?" + replacer(v, url.QueryEscape).Replace(q)
}

func replacer(v Vars, esc func(string) string) *strings.Replacer {
	return strings.NewReplacer(
		"{mac}", esc(v.MAC),
		"{cmd}", esc(v.Cmd),
		"{id}", esc(v.ID),
	)
}

// AuthURL is the handshake URL for id.
func (t Template) AuthURL(id Identity) string {
	return id.Base() + Expand(t.AuthPath, Vars{MAC: id.MAC()})
}

// CatalogURL is the channel catalog URL for id.
func (t Template) CatalogURL(id Identity) string {
	return id.Base() + Expand(t.CatalogPath, Vars{MAC: id.MAC()})
}

// LinkURL is the link-creation URL for cmd.
func (t Template) LinkURL(id Identity, cmd string) string {
	return id.Base() + Expand(t.LinkPath, Vars{MAC: id.MAC(), Cmd: cmd})
}

// Source returns what the catalog parser needs for this dialect: the stream
// pattern with {mac} filled and {id} left for the parser.
func (t Template) Source(id Identity) indexer.Source {
	if t.StreamPattern == "" {
		return indexer.Source{}
	}
	mac := url.PathEscape(id.MAC())
	return indexer.Source{StreamPattern: strings.ReplaceAll(t.StreamPattern, "{mac}", mac)}
}

const stalkerQuery = "JsHttpRequest=1-xml"

func stalkerTemplate(name, loadPath string) Template {
	return Template{
		Name:        name,
		AuthPath:    loadPath + "?type=stb&action=handshake&token=&mac={mac}&" + stalkerQuery,
		CatalogPath: loadPath + "?type=itv&action=get_all_channels&mac={mac}&" + stalkerQuery,
		LinkPath:    loadPath + "?type=itv&action=create_link&cmd={cmd}&series=&forced_storage=undefined&disable_ad=0&download=0&mac={mac}&" + stalkerQuery,
		Dialect:     indexer.StructuredEnvelope,
	}
}

// DefaultTable returns the dialects tried by discovery, in priority order. The
// result is a fresh slice; callers may reorder or extend it.
func DefaultTable() []Template {
	return []Template{
		stalkerTemplate("stalker", "/stalker_portal/server/load.php"),
		stalkerTemplate("server-load", "/server/load.php"),
		stalkerTemplate("portal-php", "/portal.php"),
		stalkerTemplate("ministra-c", "/c/server/load.php"),
		{
			Name:          "xtream-mac",
			CatalogPath:   "/player_api.php?username={mac}&password={mac}&action=get_live_streams",
			StreamPattern: "/live/{mac}/{mac}/{id}.ts",
			Dialect:       indexer.FlatList,
		},
		{
			Name:        "m3u-get",
			CatalogPath: "/get.php?username={mac}&password={mac}&type=m3u_plus&output=ts",
			Dialect:     indexer.PlaylistText,
		},
		{
			Name:        "m3u-mac",
			CatalogPath: "/playlist.m3u?mac={mac}",
			Dialect:     indexer.PlaylistText,
		},
	}
}

// Lookup returns the template named name from table.
func Lookup(table []Template, name string) (Template, bool) {
	for _, t := range table {
		if t.Name == name {
			return t, true
		}
	}
	return Template{}, false
}
