package i18n

// Message tables. Keys are shared across locales; Indonesian is the base and
// must define every key.

var indonesian = map[string]string{
	"project-create":      "Proyek baru",
	"project-create-desc": "Proyek {kind} dengan judul {name} telah dibuat.",

	"project-dropped":      "Dropped...",
	"project-dropped-desc": "Proyek {name} telah di drop dari grup ini :(",

	"project-resumed":      "Hidup kembali...",
	"project-resumed-desc": "Proyek {name} telah dihidupkan kembali oleh grup ini :)",

	"project-release-desc-header":   "Rilis!",
	"project-release-desc":          "{name} telah dirilis!",
	"project-release-desc-episodic": "{name} - {episodes} telah dirilis!",

	"project-release-revert-desc-header":   "Batal rilis...",
	"project-release-revert-desc":          "Rilisan {name} telah dibatalkan dan dikerjakan kembali.",
	"project-release-revert-desc-episodic": "Rilisan {name} - {episodes} telah dibatalkan dan dikerjakan kembali.",

	"project-progress":          "{name}",
	"project-progress-episodic": "{name} - #{episode}",
	"project-progress-done":     "✅ {role}",
	"project-progress-revert":   "❌ {role}",
	"project-progress-ongoing":  "⏳ {role}",

	"project-update":      "Pembaruan proyek",
	"project-update-desc": "Proyek {name} telah diperbarui.",

	"project-episode-single": "#{episode}",
	"project-episode-range":  "{episode-start} sampai {episode-end}",

	"kind-series":       "Serial",
	"kind-movie":        "Film",
	"kind-ova":          "OVA",
	"kind-ova_numbered": "OVA",
	"kind-books":        "Buku",
	"kind-manga":        "Manga",
	"kind-light_novel":  "Novel Ringan",
	"kind-games":        "Gim",
	"kind-visual_novel": "Novel Visual",
	"kind-other":        "Lainnya",

	"role-tl":  "Terjemahan",
	"role-tlc": "Cek Terjemahan",
	"role-enc": "Olahan Video",
	"role-ed":  "Penyuntingan",
	"role-tm":  "Tata Letak",
	"role-pr":  "Suntingan",
	"role-qc":  "Tinjauan Akhir",
}

var english = map[string]string{
	"project-create":      "New project",
	"project-create-desc": "A new {kind} project titled {name} has been registered.",

	"project-dropped":      "Dropped...",
	"project-dropped-desc": "The {name} project has been dropped from this group :(",

	"project-resumed":      "Back from the dead...",
	"project-resumed-desc": "The {name} project has been revived by this group :)",

	"project-release-desc-header":   "Released!",
	"project-release-desc":          "{name} has been released!",
	"project-release-desc-episodic": "{name} - {episodes} has been released!",

	"project-release-revert-desc-header":   "Release cancelled...",
	"project-release-revert-desc":          "The release of {name} has been undone and returned to work.",
	"project-release-revert-desc-episodic": "The release of {name} - {episodes} has been undone and returned to work.",

	"project-progress":          "{name}",
	"project-progress-episodic": "{name} - #{episode}",
	"project-progress-done":     "✅ {role}",
	"project-progress-revert":   "❌ {role}",
	"project-progress-ongoing":  "⏳ {role}",

	"project-update":      "Project update",
	"project-update-desc": "The {name} project has been updated.",

	"project-episode-single": "#{episode}",
	"project-episode-range":  "{episode-start} to {episode-end}",

	"kind-series":       "Series",
	"kind-movie":        "Movie",
	"kind-ova":          "OVA",
	"kind-ova_numbered": "OVA",
	"kind-books":        "Books",
	"kind-manga":        "Manga",
	"kind-light_novel":  "Light Novel",
	"kind-games":        "Games",
	"kind-visual_novel": "Visual Novel",
	"kind-other":        "Other",

	"role-tl":  "Translation",
	"role-tlc": "Translation Check",
	"role-enc": "Encoding",
	"role-ed":  "Editing",
	"role-tm":  "Typesetting",
	"role-pr":  "Proofreading",
	"role-qc":  "Quality Check",
}
