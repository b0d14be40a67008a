package dashboard

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	msgSmall        = "Small"
	msgMedium       = "Medium"
	msgLarge        = "Large"
	msgGaugeTitle   = "Prediction confidence (%%)"
	msgLoadFailure  = "Cannot load models. Check the artifact paths."
	msgFooter       = "SIGOR Energy Analytics | Model trained on %s | Accuracy: %.1f%%"
	msgNoPrediction = "No prediction available"
)

var classMessages = map[string]string{
	"small":  msgSmall,
	"medium": msgMedium,
	"large":  msgLarge,
}

func init() {
	french := map[string]string{
		msgSmall:        "Petit",
		msgMedium:       "Moyen",
		msgLarge:        "Grand",
		msgGaugeTitle:   "Confiance de la prédiction (%%)",
		msgLoadFailure:  "Impossible de charger les modèles. Vérifiez les chemins.",
		msgFooter:       "SIGOR Energy Analytics | Modèle entraîné le %s | Précision: %.1f%%",
		msgNoPrediction: "Aucune prédiction disponible",
	}
	for key, translation := range french {
		if err := message.SetString(language.French, key, translation); err != nil {
			panic(err)
		}
	}
}

// parseLanguage falls back to English for empty or malformed tags.
func parseLanguage(tag string) language.Tag {
	if tag == "" {
		return language.English
	}
	parsed, err := language.Parse(tag)
	if err != nil {
		return language.English
	}
	return parsed
}
