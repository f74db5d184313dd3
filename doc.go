// Package jmapserver provides the replicated document indexing and
// storage core of a multi-tenant mail server.
//
// Documents are typed field bags scoped by (account, collection). Text
// fields run through a language-aware tokenizer/stemmer pipeline into a
// compressed bitmap index; binary attachments live in a content-addressed,
// deduplicated blob store. Every committed change is an immutable entry in
// a per-node mutation log that replicates to peers and replays
// idempotently, so a cluster of writable nodes converges without
// coordination on the write path.
//
// # Quick start
//
//	ctx := context.Background()
//	db, _ := jmapserver.Open(ctx, "./data")
//	defer db.Close()
//
//	res, _ := db.Commit(ctx, docstore.CommitRequest{
//	    Account:    1,
//	    Collection: core.CollectionMail,
//	    Create:     true,
//	    Fields: map[core.FieldID]docstore.Value{
//	        fieldSubject: docstore.TextValue("Hello world", nlp.LangEnglish),
//	    },
//	})
//
//	ids, _ := db.Query(ctx, 1, core.CollectionMail,
//	    index.Text(fieldSubject, "hello", nlp.LangEnglish))
//
// # Clustering
//
//	db, _ := jmapserver.Open(ctx, "./data",
//	    jmapserver.WithCluster("0.0.0.0:7700", secret, "10.0.0.2:7700"))
//
// Writes accepted anywhere replicate to every peer; concurrent writes to
// the same document resolve deterministically on all nodes.
package jmapserver
