package normalize

import "strings"

// Urgency keyword heuristic. Keywords cover the Arabic and Hebrew
// breaking-news vocabulary common to the source corpus.
var urgentKeywords = []string{
	// Arabic
	"عاجل", "انفجار", "انفجارات", "اشتباك", "هجوم", "غارة",
	"قتلى", "مقتل", "إصابة", "قطع طرق", "احتجاج", "إغلاق",
	"طوارئ", "حرائق", "حريق", "صاروخ", "درون",
	// Hebrew
	"דחוף", "פיגוע", "ירי", "רקטה", "רקטות", "חיסול", "פיצוץ",
	"אירוע ביטחוני", "חדירה", "עימות", "הרוגים", "פצועים", "התקפה",
}

var urgentEmojis = []string{"🚨", "🔴"}

// Urgent reports whether text matches the urgency keyword heuristic.
func Urgent(text string) bool {
	low := strings.ToLower(text)

	for _, kw := range urgentKeywords {
		if strings.Contains(low, kw) {
			return true
		}
	}

	for _, e := range urgentEmojis {
		if strings.Contains(text, e) {
			return true
		}
	}

	return false
}
