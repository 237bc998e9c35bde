// Image sources for the memory game. Each category maps to an external
// provider that yields labeled image URLs; unrecognized categories fall
// back to the default faces provider.

package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// placeholderImage stands in when a provider has no picture for an item.
const placeholderImage = "https://via.placeholder.com/500"

// ImageItem is one entry of a round payload.
type ImageItem struct {
	ImageSrc string `json:"imageSrc"`
	Name     string `json:"name"`
}

// ImageSource produces the labeled images for one round. Implementations
// must return exactly the requested item count or an error.
type ImageSource interface {
	Fetch(ctx context.Context, category string) ([]ImageItem, error)
}

// heritageSites is the fixed catalog the "unesco" category draws from.
var heritageSites = []string{
	"Great Wall of China",
	"Taj Mahal",
	"Machu Picchu",
	"Stonehenge",
	"Statue of Liberty",
	"Acropolis of Athens",
	"Angkor Wat",
	"Colosseum",
	"Chichen Itza",
	"Alhambra",
	"Pyramids of Giza",
	"Sydney Opera House",
	"Mont-Saint-Michel",
	"Grand Canyon National Park",
	"Yellowstone National Park",
	"Petra",
	"Hagia Sophia",
	"Venice and its Lagoon",
	"Historic Centre of Rome",
	"Kremlin and Red Square",
	"Versailles Palace",
	"Tower of London",
	"Mount Fuji",
	"Galápagos Islands",
	"Great Barrier Reef",
	"Iguazu National Park",
	"Teotihuacan",
	"Banff National Park",
	"Medina of Fez",
	"Cappadocia",
	"Hampi",
	"Old City of Jerusalem",
	"Historic Monuments of Kyoto",
	"Old Havana and its Fortifications",
	"Historic Centre of Florence",
	"Palace of Westminster",
	"Historic Centre of Bruges",
	"Forbidden City",
	"Halong Bay",
	"Victoria Falls",
	"Serengeti National Park",
	"Torres del Paine National Park",
	"Notre-Dame Cathedral",
	"Mount Kilimanjaro",
	"Old Town of Dubrovnik",
	"Sagrada Familia",
	"Independence Hall",
	"Historic Centre of Vienna",
	"Rapa Nui National Park",
	"Plitvice Lakes National Park",
	"Sintra",
	"Archaeological Site of Delphi",
	"Olympia",
	"Historic Centre of Salzburg",
	"Old City of Bern",
	"Fortress of Suomenlinna",
	"Ancient City of Damascus",
	"Historic Centre of Tallinn",
	"Historic Centre of Prague",
	"Pont du Gard",
	"Canterbury Cathedral",
	"Bryggen",
	"Old City of Salamanca",
	"City of Cusco",
	"Old Town of Lijiang",
	"Medina of Marrakesh",
	"Old Town of Corfu",
	"Newgrange",
}

// webImageSource is the production ImageSource, backed by public APIs.
// The endpoint fields exist so tests can point it at local fakes.
type webImageSource struct {
	client     *http.Client
	count      int
	pixabayKey string

	wikipediaURL  string
	pixabayURL    string
	randomUserURL string
}

func newImageSource(cfg *Config) *webImageSource {
	return &webImageSource{
		client:        &http.Client{Timeout: cfg.fetchTimeout},
		count:         cfg.itemsPerRound,
		pixabayKey:    cfg.pixabayKey,
		wikipediaURL:  "https://en.wikipedia.org/w/api.php",
		pixabayURL:    "https://pixabay.com/api/",
		randomUserURL: "https://randomuser.me/api/",
	}
}

func (s *webImageSource) Fetch(ctx context.Context, category string) ([]ImageItem, error) {
	var items []ImageItem
	var err error

	switch category {
	case "unesco":
		items, err = s.fetchHeritageSites(ctx)
	case "buildings", "animals":
		items, err = s.fetchPixabay(ctx, category)
	default:
		items, err = s.fetchFaces(ctx)
	}
	if err != nil {
		return nil, err
	}

	if len(items) != s.count {
		return nil, fmt.Errorf("image source returned %d of %d items", len(items), s.count)
	}

	return items, nil
}

func (s *webImageSource) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s from %s", resp.Status, req.URL.Host)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// fetchHeritageSites picks random sites from the catalog and looks up a
// thumbnail for each via the Wikipedia pageimages API.
func (s *webImageSource) fetchHeritageSites(ctx context.Context) ([]ImageItem, error) {
	sites := pickSites(s.count)

	items := make([]ImageItem, 0, len(sites))
	for _, site := range sites {
		var payload struct {
			Query struct {
				Pages map[string]struct {
					Thumbnail *struct {
						Source string `json:"source"`
					} `json:"thumbnail"`
				} `json:"pages"`
			} `json:"query"`
		}

		lookup := s.wikipediaURL + "?action=query&titles=" + url.QueryEscape(site) +
			"&prop=pageimages&format=json&pithumbsize=500"
		if err := s.getJSON(ctx, lookup, &payload); err != nil {
			return nil, err
		}

		src := placeholderImage
		for _, page := range payload.Query.Pages {
			if page.Thumbnail != nil && page.Thumbnail.Source != "" {
				src = page.Thumbnail.Source
			}
			break
		}

		items = append(items, ImageItem{ImageSrc: src, Name: site})
	}

	return items, nil
}

func (s *webImageSource) fetchPixabay(ctx context.Context, query string) ([]ImageItem, error) {
	lookup := s.pixabayURL + "?key=" + url.QueryEscape(s.pixabayKey) +
		"&q=" + url.QueryEscape(query) +
		"&image_type=photo&per_page=" + strconv.Itoa(s.count)

	var payload struct {
		Hits []struct {
			WebformatURL string `json:"webformatURL"`
			Tags         string `json:"tags"`
		} `json:"hits"`
	}
	if err := s.getJSON(ctx, lookup, &payload); err != nil {
		return nil, err
	}

	items := make([]ImageItem, 0, len(payload.Hits))
	for _, hit := range payload.Hits {
		name := hit.Tags
		if name == "" {
			name = "Unknown"
		}
		items = append(items, ImageItem{ImageSrc: hit.WebformatURL, Name: name})
	}

	return items, nil
}

func (s *webImageSource) fetchFaces(ctx context.Context) ([]ImageItem, error) {
	lookup := s.randomUserURL + "?results=" + strconv.Itoa(s.count) + "&nat=us,gb,ca,au,nz"

	var payload struct {
		Results []struct {
			Name struct {
				First string `json:"first"`
				Last  string `json:"last"`
			} `json:"name"`
			Picture struct {
				Large string `json:"large"`
			} `json:"picture"`
		} `json:"results"`
	}
	if err := s.getJSON(ctx, lookup, &payload); err != nil {
		return nil, err
	}

	items := make([]ImageItem, 0, len(payload.Results))
	for _, result := range payload.Results {
		src := result.Picture.Large
		if src == "" {
			src = placeholderImage
		}
		items = append(items, ImageItem{
			ImageSrc: src,
			Name:     result.Name.First + " " + result.Name.Last,
		})
	}

	return items, nil
}

// pickSites returns n distinct catalog entries in random order, using a
// crypto/rand-driven Fisher-Yates pass over a copy of the catalog.
func pickSites(n int) []string {
	sites := make([]string, len(heritageSites))
	copy(sites, heritageSites)

	if n > len(sites) {
		n = len(sites)
	}

	for i := len(sites) - 1; i > 0; i-- {
		var b [1]byte
		if _, err := rand.Read(b[:]); err != nil {
			continue
		}
		j := int(b[0]) % (i + 1)
		sites[i], sites[j] = sites[j], sites[i]
	}

	return sites[:n]
}
