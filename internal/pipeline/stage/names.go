package stage

import "fmt"

// Stable stage name identifiers, in pipeline ordinal order.
const (
	Upload             = "upload"
	TextExtraction     = "text_extraction"
	ImageProcessing    = "image_processing"
	Classification     = "classification"
	MetadataExtraction = "metadata_extraction"
	Chunking           = "chunking"
	LinkExtraction     = "link_extraction"
	Storage            = "storage"
	Embedding          = "embedding"
	SearchIndexing     = "search_indexing"
)

// BuildDescriptors assembles the fixed ten-stage pipeline descriptor
// set with its dependency graph, given a handler for each stage name.
// Required stages: upload, text_extraction, chunking, storage,
// embedding, search_indexing — a required stage's exhausted permanent
// failure fails the document. Optional stages: image_processing,
// classification, metadata_extraction, link_extraction — their
// permanent failure is recorded and the scheduler continues.
func BuildDescriptors(handlers map[string]Handler) ([]*Descriptor, error) {
	specs := []*Descriptor{
		{Name: Upload, Ordinal: 1, Optional: false, ServiceName: "ingestion"},
		{Name: TextExtraction, Ordinal: 2, Prereqs: []string{Upload}, Optional: false, ServiceName: "text_extraction"},
		{Name: ImageProcessing, Ordinal: 3, Prereqs: []string{TextExtraction}, Optional: true, ServiceName: "vision"},
		{Name: Classification, Ordinal: 4, Prereqs: []string{TextExtraction}, Optional: true, ServiceName: "classification"},
		{Name: MetadataExtraction, Ordinal: 5, Prereqs: []string{TextExtraction}, Optional: true, ServiceName: "metadata_extraction"},
		{Name: Chunking, Ordinal: 6, Prereqs: []string{TextExtraction}, Optional: false, ServiceName: "chunking"},
		{Name: LinkExtraction, Ordinal: 7, Prereqs: []string{TextExtraction}, Optional: true, ServiceName: "link_extraction"},
		{
			Name:            Storage,
			Ordinal:         8,
			Prereqs:         []string{Chunking},
			OptionalPrereqs: []string{ImageProcessing, Classification, MetadataExtraction, LinkExtraction},
			Optional:        false,
			ServiceName:     "storage",
		},
		{Name: Embedding, Ordinal: 9, Prereqs: []string{Chunking, Storage}, Optional: false, ServiceName: "embedding_service"},
		{Name: SearchIndexing, Ordinal: 10, Prereqs: []string{Embedding}, Optional: false, ServiceName: "search_indexing"},
	}
	for _, d := range specs {
		h, ok := handlers[d.Name]
		if !ok {
			return nil, fmt.Errorf("no handler registered for stage %q", d.Name)
		}
		d.Handler = h
	}
	return specs, nil
}
