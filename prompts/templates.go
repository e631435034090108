package prompts

import (
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

// createDiscoveryTemplate asks which links of a directory page lead to
// individual venue or show pages. Variables: root_url, page_text, links.
func createDiscoveryTemplate() prompt.ChatTemplate {
	return prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(`You map karaoke listing websites. You receive the text of a directory page and every link found on it.

Classify each link as either:
- a LEAF content page: a page about one venue, one show, one DJ or one karaoke night schedule
- CHROME: navigation, login, social sharing, category indexes, pagination, legal pages, ads

RULES:
1. Return EVERY leaf link. Never stop early and never sample; if there are 200 leaf links, return 200.
2. Only return URLs that appear verbatim in the provided link list.
3. Return ONLY JSON, no explanations, in exactly this shape:
{{"leafUrls": ["https://..."]}}`),
		schema.UserMessage(`ROOT URL: {root_url}

PAGE TEXT:
{page_text}

LINKS ({link_count}):
{links}`),
	)
}

// createExtractionTemplate turns page text into candidate records.
// Variables: source_url, page_title, page_text.
func createExtractionTemplate() prompt.ChatTemplate {
	return prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(`You extract karaoke schedules from web pages and social media posts.

Find every recurring or one-off karaoke show, every karaoke DJ/host, and every karaoke vendor/company.

RULES:
1. One show per venue, day of week and start time. A venue with karaoke on Friday and Saturday is two shows.
2. day is a lowercase weekday name ("friday") or an ISO date for one-off events.
3. Times like "9pm" or "21:00" stay as written.
4. Never invent addresses or coordinates; leave unknown fields out.
5. confidence is 0..1: how sure you are the record is real and current.
6. Return ONLY JSON in exactly this shape:
{{"shows": [{{"venueName": "", "address": "", "city": "", "state": "", "zip": "", "day": "", "startTime": "", "endTime": "", "djName": "", "vendorName": "", "description": "", "confidence": 0.0}}],
 "djs": [{{"name": "", "aliases": [], "context": "", "confidence": 0.0}}],
 "vendors": [{{"name": "", "website": "", "description": "", "confidence": 0.0}}]}}
If nothing is found return {{"shows": [], "djs": [], "vendors": []}}.`),
		schema.UserMessage(`SOURCE: {source_url}
TITLE: {page_title}

CONTENT:
{page_text}`),
	)
}

// createFlyerTemplate reads one flyer image. Variables: source_url.
func createFlyerTemplate() prompt.ChatTemplate {
	return prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(`The attached image was posted by a karaoke host or venue. It may be a schedule flyer, an event poster, or an unrelated photo.

If it lists karaoke shows, extract them. If it is unrelated, return empty arrays.
Follow the same rules as for page text: one show per venue, day and start time; lowercase weekday names; never invent locations.
Return ONLY JSON:
{{"shows": [{{"venueName": "", "address": "", "city": "", "state": "", "day": "", "startTime": "", "endTime": "", "djName": "", "vendorName": "", "description": "", "confidence": 0.0}}],
 "djs": [{{"name": "", "aliases": [], "context": "", "confidence": 0.0}}],
 "vendors": []}}`),
		schema.UserMessage(`Image posted on: {source_url}`),
	)
}

// createGeoTemplate fills location gaps for a small batch of shows.
// Variables: shows_json.
func createGeoTemplate() prompt.ChatTemplate {
	return prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(`You complete location data for karaoke venues in the United States.

For each venue, research the street address, city, two letter state, zip code and latitude/longitude.
Only fill what you are confident about. Keep the index of each input venue.
Return ONLY JSON:
{{"shows": [{{"index": 0, "venueName": "", "address": "", "city": "", "state": "", "zip": "", "lat": 0.0, "lng": 0.0}}]}}`),
		schema.UserMessage(`VENUES:
{shows_json}`),
	)
}
