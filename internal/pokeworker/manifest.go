package pokeworker

import (
	"fmt"
	"strings"
)

// DefaultGeneration is the current cache generation. Bump it whenever the
// precache manifest changes; activation deletes every other generation.
const DefaultGeneration = "pokepwa-cache-v1"

const (
	// CatalogListURL is the first catalog page shown by the application.
	CatalogListURL = "https://pokeapi.co/api/v2/pokemon?limit=24"
	// AssetURLTemplate maps a numeric id to its sprite.
	AssetURLTemplate = "https://raw.githubusercontent.com/PokeAPI/sprites/master/sprites/pokemon/%d.png"
	// AssetCount is the number of sprites precached, ids 1 through AssetCount.
	AssetCount = 24
)

var shellResources = []string{
	"/",
	"/index.html",
	"/manifest.json",
	"/logo192.png",
	"/logo512.png",
}

// AssetURLs returns the generated sprite URLs in id order.
func AssetURLs() []string {
	out := make([]string, 0, AssetCount)
	for id := 1; id <= AssetCount; id++ {
		out = append(out, fmt.Sprintf(AssetURLTemplate, id))
	}
	return out
}

// BuildManifest returns the ordered precache manifest: the application shell
// resolved against origin, the first catalog page, then the sprites.
func BuildManifest(origin string) []string {
	out := make([]string, 0, len(shellResources)+1+AssetCount)
	for _, p := range shellResources {
		out = append(out, resolveURL(origin, p))
	}
	out = append(out, CatalogListURL)
	return append(out, AssetURLs()...)
}

// resolveURL joins relative paths onto origin and leaves absolute URLs alone.
func resolveURL(origin, u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return u
	}
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return strings.TrimRight(origin, "/") + u
}
