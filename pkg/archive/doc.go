// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package archive moves time-stamped ledger batches into zip files and
purges them from the online store after retention.

Each archive file holds one entry per timestamp batch:

	archive-20240601T120000Z-1a2b3c4d.zip
	  batch-00000000000000000001.log
	  batch-00000000000000000002.log

An entry contains the batch records in the ledger flat format followed
by the TIMESTAMP line of the batch. Files are written under a temporary
name, synced and renamed; a batch is marked archived only once the file
holding it is complete. A new file is started when the next batch would
push the current one past MaxFileSize.

Searcher scans the archive files for records by query id hash and
implements ledger.ArchiveSearcher.
*/
package archive
