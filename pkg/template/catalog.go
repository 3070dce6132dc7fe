package template

import "bookflow/pkg/domain"

// Catalog returns the built-in styling templates seeded into the store at
// startup. Keys are stable identifiers; templates are never versioned.
func Catalog() []domain.Template {
	return []domain.Template{
		{
			ID:          "tpl_minimalist",
			Key:         "minimalist",
			Name:        "Modern Minimalist",
			Description: "Clean design with generous whitespace and an elegant sans-serif voice.",
			Category:    "modern",
			SortOrder:   1,
			IsActive:    true,
			Config: domain.TemplateConfig{
				Fonts:  domain.FontConfig{Heading: "Inter", Body: "Inter"},
				Colors: domain.ColorConfig{Text: "#1a1a1a", Heading: "#000000", Accent: "#666666", Background: "#ffffff"},
				Sizes:  domain.SizeConfig{H1: "24pt", H2: "18pt", H3: "14pt", Body: "11pt"},
				Margins: domain.MarginConfig{
					Top: "3cm", Bottom: "3cm", Inner: "2.5cm", Outer: "2.5cm",
				},
				LineHeight:       1.8,
				ParagraphSpacing: "1.5em",
				Features: domain.FeatureFlags{
					ChapterBreak: "page",
					HeaderFooter: "minimal",
				},
			},
		},
		{
			ID:          "tpl_classic",
			Key:         "classic",
			Name:        "Literary Classic",
			Description: "Traditional book styling with serif typography, drop caps, and chapter ornaments.",
			Category:    "traditional",
			SortOrder:   2,
			IsActive:    true,
			Config: domain.TemplateConfig{
				Fonts:  domain.FontConfig{Heading: "Playfair Display", Body: "Crimson Pro"},
				Colors: domain.ColorConfig{Text: "#2d2d2d", Heading: "#1a1a1a", Accent: "#8b4513", Background: "#fffef9"},
				Sizes:  domain.SizeConfig{H1: "26pt", H2: "18pt", H3: "14pt", Body: "12pt"},
				Margins: domain.MarginConfig{
					Top: "3cm", Bottom: "3cm", Inner: "3cm", Outer: "2.5cm",
				},
				LineHeight:       1.7,
				ParagraphSpacing: "0",
				Features: domain.FeatureFlags{
					DropCaps:     true,
					ChapterBreak: "page",
					HeaderFooter: "classic",
					Ornaments:    true,
					Footnotes:    true,
				},
			},
		},
		{
			ID:          "tpl_editorial",
			Key:         "editorial",
			Name:        "Editorial Clean",
			Description: "Magazine-style layout with strong headlines and clear visual hierarchy.",
			Category:    "modern",
			SortOrder:   3,
			IsActive:    true,
			Config: domain.TemplateConfig{
				Fonts:  domain.FontConfig{Heading: "Archivo", Body: "Source Serif Pro"},
				Colors: domain.ColorConfig{Text: "#222222", Heading: "#111111", Accent: "#d64541", Background: "#ffffff"},
				Sizes:  domain.SizeConfig{H1: "28pt", H2: "20pt", H3: "15pt", Body: "11pt"},
				Margins: domain.MarginConfig{
					Top: "2.5cm", Bottom: "2.5cm", Inner: "2.5cm", Outer: "2cm",
				},
				LineHeight:       1.6,
				ParagraphSpacing: "1.2em",
				Features: domain.FeatureFlags{
					ChapterBreak: "page",
					HeaderFooter: "minimal",
					PullQuotes:   true,
				},
			},
		},
		{
			ID:          "tpl_academic",
			Key:         "academic",
			Name:        "Technical / Academic",
			Description: "Academic format with section numbering and footnote support.",
			Category:    "technical",
			SortOrder:   4,
			IsActive:    true,
			Config: domain.TemplateConfig{
				Fonts:  domain.FontConfig{Heading: "STIX Two Text", Body: "STIX Two Text"},
				Colors: domain.ColorConfig{Text: "#1c1c1c", Heading: "#1c1c1c", Accent: "#2c5f8a", Background: "#ffffff"},
				Sizes:  domain.SizeConfig{H1: "20pt", H2: "16pt", H3: "13pt", Body: "11pt"},
				Margins: domain.MarginConfig{
					Top: "2.5cm", Bottom: "2.5cm", Inner: "3cm", Outer: "2.5cm",
				},
				LineHeight:       1.5,
				ParagraphSpacing: "0.8em",
				Features: domain.FeatureFlags{
					ChapterBreak:     "page",
					HeaderFooter:     "classic",
					SectionNumbering: true,
					Footnotes:        true,
				},
			},
		},
		{
			ID:          "tpl_fantasy",
			Key:         "fantasy",
			Name:        "Fantasy / Fiction",
			Description: "Immersive design with subtle decorative elements and an evocative atmosphere.",
			Category:    "creative",
			SortOrder:   5,
			IsActive:    true,
			Config: domain.TemplateConfig{
				Fonts:  domain.FontConfig{Heading: "Cinzel", Body: "EB Garamond"},
				Colors: domain.ColorConfig{Text: "#2b2118", Heading: "#40300f", Accent: "#7a5c2e", Background: "#fbf6ec"},
				Sizes:  domain.SizeConfig{H1: "26pt", H2: "18pt", H3: "14pt", Body: "12pt"},
				Margins: domain.MarginConfig{
					Top: "3cm", Bottom: "3cm", Inner: "3cm", Outer: "2.5cm",
				},
				LineHeight:       1.7,
				ParagraphSpacing: "0",
				Features: domain.FeatureFlags{
					DropCaps:     true,
					ChapterBreak: "spread",
					HeaderFooter: "classic",
					Ornaments:    true,
				},
			},
		},
		{
			ID:          "tpl_business",
			Key:         "business",
			Name:        "Business / Entrepreneurship",
			Description: "Corporate layout with insight boxes and highlighted pull quotes.",
			Category:    "business",
			SortOrder:   6,
			IsActive:    true,
			Config: domain.TemplateConfig{
				Fonts:  domain.FontConfig{Heading: "IBM Plex Sans", Body: "IBM Plex Serif"},
				Colors: domain.ColorConfig{Text: "#1f2933", Heading: "#102a43", Accent: "#0b69a3", Background: "#ffffff"},
				Sizes:  domain.SizeConfig{H1: "24pt", H2: "18pt", H3: "14pt", Body: "11pt"},
				Margins: domain.MarginConfig{
					Top: "2.5cm", Bottom: "2.5cm", Inner: "2.5cm", Outer: "2cm",
				},
				LineHeight:       1.6,
				ParagraphSpacing: "1.2em",
				Features: domain.FeatureFlags{
					ChapterBreak: "page",
					HeaderFooter: "minimal",
					PullQuotes:   true,
					InsightBoxes: true,
				},
			},
		},
	}
}
