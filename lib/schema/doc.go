// Package schema holds the collection schema, the index declarations and the
// Document type shared by the encoder, the query engine and the storage layer.
//
// A Schema declares the primary key, the typed properties that may be
// indexed and a list of composite indexes. Index fields are written as
// "path" (ascending) or "-path" (descending) in JSON:
//
//	{
//	  "version": 0,
//	  "primaryKey": "id",
//	  "properties": {
//	    "id":   {"type": "string", "maxLength": 32},
//	    "age":  {"type": "integer"},
//	    "name": {"type": "string", "maxLength": 64}
//	  },
//	  "indexes": [["age"], ["name", "-age"]]
//	}
//
// StorageIndexes derives the materialized indexes: every index gets the
// implicit _deleted field in front and the primary key at the end, and the
// primary key index plus an internal cleanup index ([_meta.lwt, pk]) are
// always present.
package schema
