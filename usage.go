// # Usage
//
//	usage: lineage sync [-adminaddr address] official|verified
//	       lineage resolve [-fallback] official|verified repository layers
//	       lineage dupes [-remove] official|verified
//	       lineage describe >lineage.conf
//	       lineage testconfig lineage.conf
//	       lineage version
//	  -config string
//	    	path to configuration file (default "lineage.conf")
//	  -debug
//	    	enable debug logging, e.g. printing pull progress events
package main
