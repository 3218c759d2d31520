package domain

import "time"

// PolicyRecord: исходный текст политики в хранилище консоли.
// Шлюз никогда не читает его из БД напрямую, только через бандл.
type PolicyRecord struct {
	ID       string `json:"id"`
	Package  string `json:"package"`
	Source   string `json:"source"`   // YAML/JSON текст документа
	Revision string `json:"revision"` // xxhash от Source

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Bundle: то, что консоль отдает шлюзам на GET /v1/bundles.
type Bundle struct {
	Revision  string           `json:"revision"`
	UpdatedAt time.Time        `json:"updated_at"`
	Documents []BundleDocument `json:"documents"`
}

type BundleDocument struct {
	Origin string `json:"origin"` // откуда документ (id записи или имя файла)
	Source string `json:"source"`
}
