package models

// Export is the backup document for one app of one owner.
type Export struct {
	Meta        ExportMeta         `json:"meta"`
	Collections []ExportCollection `json:"collections"`
}

// ExportMeta describes where and when the export was taken.
type ExportMeta struct {
	User               string     `json:"user"`
	AppName            string     `json:"app_name"`
	Date               int64      `json:"date"`
	AllCollectionNames []string   `json:"all_collection_names"`
	AppConfig          *AppConfig `json:"app_config,omitempty"`
}

// ExportCollection holds one collection's records. The retrieved dates are
// the min and max _date_modified seen.
type ExportCollection struct {
	Name               string   `json:"name"`
	FirstRetrievedDate int64    `json:"first_retrieved_date"`
	LastRetrievedDate  int64    `json:"last_retrieved_date"`
	Data               []Record `json:"data"`
}
